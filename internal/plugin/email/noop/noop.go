// Package noop disables email delivery. Selected with --email-kind=none.
package noop

import (
	"context"

	registryemail "github.com/kelmah/messaging-service/internal/registry/email"
)

func init() {
	registryemail.Register(registryemail.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registryemail.Sender, error) {
			return Sender{}, nil
		},
	})
}

type Sender struct{}

func (Sender) Send(ctx context.Context, msg registryemail.Message) error {
	return nil
}
