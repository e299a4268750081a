package admin

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Verb identifies a fleet-wide admin command.
type Verb string

const (
	VerbReload           Verb = "reload"
	VerbPublishUserGroup Verb = "publish-user-group"
	VerbOffline          Verb = "offline"
)

// Command is one admin instruction published to the fleet subject.
type Command struct {
	Verb Verb   `json:"verb"`
	Arg  string `json:"arg,omitempty"`
}

// DefaultSubject is the NATS subject every node subscribes to for fleet
// admin broadcasts.
const DefaultSubject = "edgeproxy.admin.fleet"

// Fleet publishes/subscribes admin Commands over NATS, so an operator
// action taken against one node's CLI reaches every other node in the
// fleet. This is the repo's only use of nats.go; no in-pack grounding
// exercises it, so this wiring follows the library's well-known public
// API directly (see DESIGN.md).
type Fleet struct {
	nc      *nats.Conn
	subject string
}

func NewFleet(natsURL string) (*Fleet, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("admin: connecting to NATS at %s: %w", natsURL, err)
	}
	return &Fleet{nc: nc, subject: DefaultSubject}, nil
}

func (f *Fleet) Publish(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("admin: marshaling fleet command: %w", err)
	}
	if err := f.nc.Publish(f.subject, data); err != nil {
		return fmt.Errorf("admin: publishing fleet command: %w", err)
	}
	return f.nc.Flush()
}

// Subscribe registers handler for every Command received on the fleet
// subject, returning the underlying subscription so the caller can
// Unsubscribe on shutdown.
func (f *Fleet) Subscribe(handler func(Command)) (*nats.Subscription, error) {
	return f.nc.Subscribe(f.subject, func(msg *nats.Msg) {
		var cmd Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			return
		}
		handler(cmd)
	})
}

func (f *Fleet) Close() {
	f.nc.Close()
}
