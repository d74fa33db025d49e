package pipeline

import (
	"context"
	"strings"

	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
)

// SendNotice mails msg from the authorized mailbox. Messages are not
// serialized against each other.
func (p *Pipeline) SendNotice(ctx context.Context, msg *directory.Message) (*Result, error) {
	if msg == nil {
		return p.perform(ctx, ActionSendNotice, "mail:", "", func(context.Context, *run) error {
			return errdefs.Validation("message", "required")
		})
	}
	var keys = make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		keys = append(keys, directory.Key(to))
	}
	return p.perform(ctx, ActionSendNotice, "mail:"+strings.Join(keys, ","), "", func(ctx context.Context, r *run) (err error) {
		if err = msg.Validate(); err != nil {
			return
		}
		r.detail("recipients", len(msg.To))

		r.execute()
		id, err := p.transport.SendMessage(ctx, msg)
		if err != nil {
			return
		}
		r.detail("message_id", id)
		r.entity = id
		return nil
	})
}
