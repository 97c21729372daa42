// Package syncer keeps the queues and playback positions of follower
// MPD daemons aligned with a leader daemon. The replicator mirrors
// queue and player state when the leader announces changes; the drift
// controller continuously measures elapsed-time drift over a second,
// dedicated leader session and nudges each follower's seek position to
// keep it small without oscillating.
package syncer

import "mpdsync/pkg/mpd"

// Session is the slice of the MPD connection surface the syncer
// drives. *mpd.Conn implements it; tests substitute fakes.
type Session interface {
	Endpoint() mpd.Endpoint
	Connect() error
	Disconnect()
	CheckAlive() bool

	TimedPing() (float64, error)
	Status() (*mpd.Status, error)
	TimedStatus() (*mpd.Status, float64, error)
	CurrentTrack() (string, error)

	Queue() ([]mpd.QueueEntry, error)
	Changes(sinceVersion string) ([]mpd.QueueChange, error)
	Clear() error
	ReplaceQueue(entries []mpd.QueueEntry) error
	ApplyChanges(changes []mpd.QueueChange) ([]int, error)
	SetTag(id int, tag, value string) error
	TruncateTo(length, current int) error

	Play() error
	Pause() error
	Stop() error
	Seek(track int, seconds float64) error
	SeekPlay(track int, seconds float64) error
}

var _ Session = (*mpd.Conn)(nil)
