package syncer

import (
	"errors"
	"fmt"

	"mpdsync/pkg/mpd"
)

// fakeDaemon is an in-memory stand-in for an MPD session. Tests set
// its state directly and inspect the calls the syncer issued.
type fakeDaemon struct {
	endpoint mpd.Endpoint

	state   mpd.State
	song    int
	elapsed float64 // reported as position-lag while playing
	lag     float64 // systematic playback latency behind seek targets

	queueVersion string
	queue        []mpd.QueueEntry
	changes      map[string][]mpd.QueueChange
	currentFile  string

	ping          float64
	statusLatency float64

	dead         bool // every call fails
	seekErr      error
	nextID       int
	checkedAlive int

	calls []string
}

var errFakeDead = errors.New("fake daemon down")

func newFakeDaemon(host string) *fakeDaemon {
	return &fakeDaemon{
		endpoint: mpd.Endpoint{Host: host, Port: mpd.DefaultPort},
		state:    mpd.StateStop,
		song:     -1,
		elapsed:  -1,
		ping:     0.002,
		changes:  map[string][]mpd.QueueChange{},
		nextID:   100,
	}
}

func (d *fakeDaemon) record(format string, args ...interface{}) {
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

// mutations returns the calls that wrote to the daemon.
func (d *fakeDaemon) mutations() []string {
	var out []string
	for _, c := range d.calls {
		switch c[0:4] {
		case "clea", "repl", "adda", "sett", "trun", "play", "paus", "stop", "seek":
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDaemon) Endpoint() mpd.Endpoint { return d.endpoint }
func (d *fakeDaemon) Connect() error         { return nil }
func (d *fakeDaemon) Disconnect()            {}

func (d *fakeDaemon) CheckAlive() bool {
	d.checkedAlive++
	return !d.dead
}

func (d *fakeDaemon) TimedPing() (float64, error) {
	if d.dead {
		return 0, errFakeDead
	}
	return d.ping, nil
}

func (d *fakeDaemon) status() *mpd.Status {
	st := &mpd.Status{
		QueueLength:  len(d.queue),
		QueueVersion: d.queueVersion,
		Song:         d.song,
		Elapsed:      d.elapsed,
		Duration:     -1,
		State:        d.state,
	}
	if d.state == mpd.StatePlay && d.elapsed >= 0 {
		st.Elapsed = d.elapsed - d.lag
	}
	return st
}

func (d *fakeDaemon) Status() (*mpd.Status, error) {
	if d.dead {
		return nil, errFakeDead
	}
	return d.status(), nil
}

func (d *fakeDaemon) TimedStatus() (*mpd.Status, float64, error) {
	if d.dead {
		return nil, 0, errFakeDead
	}
	return d.status(), d.statusLatency, nil
}

func (d *fakeDaemon) CurrentTrack() (string, error) {
	if d.dead {
		return "", errFakeDead
	}
	if d.currentFile != "" {
		return d.currentFile, nil
	}
	if d.song >= 0 && d.song < len(d.queue) {
		return d.queue[d.song].File, nil
	}
	return "", nil
}

func (d *fakeDaemon) Queue() ([]mpd.QueueEntry, error) {
	if d.dead {
		return nil, errFakeDead
	}
	out := make([]mpd.QueueEntry, len(d.queue))
	copy(out, d.queue)
	return out, nil
}

func (d *fakeDaemon) Changes(sinceVersion string) ([]mpd.QueueChange, error) {
	if d.dead {
		return nil, errFakeDead
	}
	return d.changes[sinceVersion], nil
}

func (d *fakeDaemon) Clear() error {
	if d.dead {
		return errFakeDead
	}
	d.record("clear")
	d.queue = nil
	return nil
}

func (d *fakeDaemon) ReplaceQueue(entries []mpd.QueueEntry) error {
	if d.dead {
		return errFakeDead
	}
	d.record("replace %d", len(entries))
	d.queue = make([]mpd.QueueEntry, len(entries))
	copy(d.queue, entries)
	return nil
}

func (d *fakeDaemon) ApplyChanges(changes []mpd.QueueChange) ([]int, error) {
	if d.dead {
		return nil, errFakeDead
	}
	ids := make([]int, len(changes))
	for i, ch := range changes {
		d.record("addat %s %d", ch.File, ch.Pos)
		entry := mpd.QueueEntry{File: ch.File}
		if ch.Pos >= len(d.queue) {
			d.queue = append(d.queue, entry)
		} else {
			d.queue[ch.Pos] = entry
		}
		ids[i] = d.nextID
		d.nextID++
	}
	return ids, nil
}

func (d *fakeDaemon) SetTag(id int, tag, value string) error {
	if d.dead {
		return errFakeDead
	}
	d.record("settag %d %s=%s", id, tag, value)
	return nil
}

func (d *fakeDaemon) TruncateTo(length, current int) error {
	if d.dead {
		return errFakeDead
	}
	d.record("truncate %d", length)
	if length < len(d.queue) {
		d.queue = d.queue[:length]
	}
	return nil
}

func (d *fakeDaemon) Play() error {
	if d.dead {
		return errFakeDead
	}
	d.record("play")
	d.state = mpd.StatePlay
	if d.elapsed < 0 {
		d.elapsed = 0
	}
	return nil
}

func (d *fakeDaemon) Pause() error {
	if d.dead {
		return errFakeDead
	}
	d.record("pause")
	d.state = mpd.StatePause
	return nil
}

func (d *fakeDaemon) Stop() error {
	if d.dead {
		return errFakeDead
	}
	d.record("stop")
	d.state = mpd.StateStop
	return nil
}

func (d *fakeDaemon) Seek(track int, seconds float64) error {
	if d.dead {
		return errFakeDead
	}
	if d.seekErr != nil {
		return d.seekErr
	}
	d.record("seek %d %.3f", track, seconds)
	d.song = track
	d.elapsed = seconds
	return nil
}

func (d *fakeDaemon) SeekPlay(track int, seconds float64) error {
	if err := d.Seek(track, seconds); err != nil {
		return err
	}
	return d.Play()
}

var _ Session = (*fakeDaemon)(nil)
