package callcontrol

import (
	"context"
	"errors"
	"log/slog"
)

var (
	// ErrRejected means the PBX refused the command.
	ErrRejected = errors.New("call control rejected")
	// ErrUnavailable means the PBX could not be reached after retries.
	ErrUnavailable = errors.New("call control unavailable")
)

// Controller mutates PBX call state. Every method returns once the PBX has
// accepted or refused the command.
type Controller interface {
	Transfer(ctx context.Context, channelID, destination string) error
	Hangup(ctx context.Context, channelID, reason string) error
	LeaveVoicemail(ctx context.Context, channelID, mailbox string) error
}

// DryRun logs commands instead of sending them. It is used when no PBX REST
// endpoint is configured.
type DryRun struct {
	Logger *slog.Logger
}

func (d DryRun) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d DryRun) Transfer(_ context.Context, channelID, destination string) error {
	d.logger().Info("dry-run transfer", "channel_id", channelID, "destination", destination)
	return nil
}

func (d DryRun) Hangup(_ context.Context, channelID, reason string) error {
	d.logger().Info("dry-run hangup", "channel_id", channelID, "reason", reason)
	return nil
}

func (d DryRun) LeaveVoicemail(_ context.Context, channelID, mailbox string) error {
	d.logger().Info("dry-run voicemail", "channel_id", channelID, "mailbox", mailbox)
	return nil
}
