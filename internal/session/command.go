package session

import "cohort/server/internal/audience"

// command is a mailbox entry. Only the run loop interprets commands.
type command interface {
	commandName() string
}

type addClientCmd struct {
	client Client
}

// removeClientCmd removes clientID. When client is set, the entry is only
// removed while it still holds that exact client.
type removeClientCmd struct {
	clientID string
	client   Client
}

type ackCmd struct {
	clientID          string
	lastAppliedTickID int64
	clientTimeMs      int64
}

type ingestEventCmd struct {
	event audience.Event
}

func (addClientCmd) commandName() string    { return "add_client" }
func (removeClientCmd) commandName() string { return "remove_client" }
func (ackCmd) commandName() string          { return "ack" }
func (ingestEventCmd) commandName() string  { return "ingest_event" }
