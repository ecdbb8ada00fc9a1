// Copyright 2024-2026 Aiku AI

package mockclient

import (
	"time"

	"github.com/aiku/whatsapp-mcp/pkg/whatsapp"
)

type chatData struct {
	chat     whatsapp.Chat
	messages []*whatsapp.Message
}

var seedContacts = []*whatsapp.Contact{
	{ID: "15550100001@c.us", Name: "Alice Martin", PushName: "Alice", IsMyContact: true},
	{ID: "15550100002@c.us", Name: "Bob Okafor", PushName: "bob", IsMyContact: true},
	{ID: "15550100003@c.us", Name: "", PushName: "Carol", IsMyContact: false},
	{ID: "120363000000000001@g.us", Name: "Family", IsGroup: true},
	{ID: "120363000000000002@g.us", Name: "Project Falcon", IsGroup: true},
}

type seedMessage struct {
	from, author, body string
	ago                time.Duration
	fromMe, media      bool
}

var seedChats = []struct {
	id, name string
	unread   int
	messages []seedMessage
}{
	{
		id: "15550100001@c.us", name: "Alice Martin", unread: 1,
		messages: []seedMessage{
			{body: "Are we still on for lunch?", ago: 3 * time.Hour},
			{body: "Yes, 12:30 at the usual place", ago: 2*time.Hour + 50*time.Minute, fromMe: true},
			{body: "Here's the menu", ago: 2 * time.Hour, media: true},
			{body: "See you there!", ago: 90 * time.Minute},
		},
	},
	{
		id: "15550100002@c.us", name: "Bob Okafor",
		messages: []seedMessage{
			{body: "Did you push the release branch?", ago: 26 * time.Hour},
			{body: "Pushed, CI is green", ago: 25 * time.Hour, fromMe: true},
		},
	},
	{
		id: "120363000000000001@g.us", name: "Family", unread: 3,
		messages: []seedMessage{
			{author: "15550100003@c.us", body: "Dinner on Sunday?", ago: 5 * time.Hour},
			{author: "15550100001@c.us", body: "I'll bring dessert", ago: 4 * time.Hour},
			{body: "Count me in", ago: 3 * time.Hour, fromMe: true},
			{author: "15550100003@c.us", body: "Photo from last time", ago: time.Hour, media: true},
		},
	},
	{
		id: "120363000000000002@g.us", name: "Project Falcon",
		messages: []seedMessage{
			{author: "15550100002@c.us", body: "Standup moved to 10:00", ago: 48 * time.Hour},
		},
	},
}
