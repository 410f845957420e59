package matrixclient

import (
	"maunium.net/go/mautrix/event"
)

// BuildMessage shapes an outgoing message content body. Replies carry
// the m.in_reply_to relation so clients render them threaded under the
// event they answer.
func BuildMessage(msg Outgoing) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Text,
	}
	if msg.ReplyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: msg.ReplyTo},
		}
	}
	return content
}
