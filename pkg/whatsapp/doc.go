// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package whatsapp defines the contract between the bridge and the library
// that actually speaks the WhatsApp protocol.
//
// A Client reports its lifecycle asynchronously through the handler
// installed with AddEventHandler. Handlers receive one of the event structs
// in events.go (*QR, *Ready, *Authenticated, *AuthFailure, *Disconnected,
// *IncomingMessage). Clients are single-use: once Destroy has been called a
// new instance must be built through a Factory.
package whatsapp
