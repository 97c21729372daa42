package mpd

import (
	"errors"
	"fmt"
	"time"

	gompd "github.com/fhs/gompd/v2/mpd"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by operations on a session that is
// disconnected or has been marked unhealthy after a failed recovery.
// CheckAlive clears the condition.
var ErrNotConnected = errors.New("mpd: not connected")

// warmupPings is how many spaced pings warm up a connection right
// after it is established; their durations are not recorded.
const (
	warmupPings    = 5
	warmupInterval = 50 * time.Millisecond
)

// Conn is one stateful session to an MPD daemon. The protocol is
// strictly request/response, so a Conn must not be used from more than
// one goroutine at a time; the per-follower lock discipline in the
// syncer guarantees this.
//
// On a protocol failure the session attempts one disconnect-reconnect
// cycle. If that also fails the session goes unhealthy and every
// operation fails fast until CheckAlive succeeds again.
type Conn struct {
	endpoint Endpoint
	password string
	log      zerolog.Logger

	c         *gompd.Client
	unhealthy bool
}

// NewConn creates a session for the endpoint. It does not dial;
// call Connect.
func NewConn(endpoint Endpoint, password string, log zerolog.Logger) *Conn {
	return &Conn{
		endpoint: endpoint,
		password: password,
		log:      log.With().Str("host", endpoint.Host).Logger(),
	}
}

// Endpoint returns the endpoint this session was created for.
func (c *Conn) Endpoint() Endpoint { return c.endpoint }

// Addr returns the dial address of the session's endpoint.
func (c *Conn) Addr() string { return c.endpoint.Addr() }

// Password returns the password the session authenticates with.
func (c *Conn) Password() string { return c.password }

// Connect dials the daemon, authenticating when a password is set,
// and warms up the connection with a few pings so the first latency
// measurements are not dominated by TCP setup.
func (c *Conn) Connect() error {
	client, err := gompd.DialAuthenticated("tcp", c.endpoint.Addr(), c.password)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.endpoint.Addr(), err)
	}
	c.c = client
	c.unhealthy = false

	for i := 0; i < warmupPings; i++ {
		if err := client.Ping(); err != nil {
			break
		}
		time.Sleep(warmupInterval)
	}
	return nil
}

// Disconnect closes the session. It is safe to call on a session that
// never connected or already disconnected.
func (c *Conn) Disconnect() {
	if c.c != nil {
		c.c.Close()
		c.c = nil
	}
}

// CheckAlive pings the daemon and, when the ping fails, tries one
// disconnect-reconnect cycle. It reports whether the session is
// usable afterwards.
func (c *Conn) CheckAlive() bool {
	if c.c != nil {
		if err := c.c.Ping(); err == nil {
			c.unhealthy = false
			return true
		}
	}
	c.log.Debug().Msg("connection seems to be down, reconnecting")

	c.Disconnect()
	if err := c.Connect(); err != nil {
		c.log.Error().Err(err).Msg("unable to reconnect")
		c.unhealthy = true
		return false
	}
	c.log.Debug().Msg("reconnected")
	return true
}

// ready gates every operation on the session being connected and not
// marked unhealthy.
func (c *Conn) ready() error {
	if c.c == nil || c.unhealthy {
		return ErrNotConnected
	}
	return nil
}

// recover runs the once-per-failure reconnect attempt. The failed
// operation still returns its error; recovery only decides whether the
// next operation may proceed.
func (c *Conn) recover(err error) {
	c.log.Debug().Err(err).Msg("protocol failure, attempting reconnect")
	c.Disconnect()
	if cerr := c.Connect(); cerr != nil {
		c.log.Warn().Err(cerr).Msg("reconnect failed, marking session unhealthy")
		c.unhealthy = true
	}
}

// TimedPing pings the daemon and returns the round trip in seconds.
func (c *Conn) TimedPing() (float64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	start := time.Now()
	if err := c.c.Ping(); err != nil {
		c.recover(err)
		return 0, fmt.Errorf("ping %s: %w", c.endpoint.Host, err)
	}
	return time.Since(start).Seconds(), nil
}

// Status reads a status snapshot. A failed read yields a nil snapshot.
func (c *Conn) Status() (*Status, error) {
	st, _, err := c.TimedStatus()
	return st, err
}

// TimedStatus reads a status snapshot and also returns how long the
// status call itself took, in seconds. The drift controller folds that
// latency into its measurements.
func (c *Conn) TimedStatus() (*Status, float64, error) {
	if err := c.ready(); err != nil {
		return nil, 0, err
	}
	start := time.Now()
	attrs, err := c.c.Status()
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.recover(err)
		return nil, elapsed, fmt.Errorf("status of %s: %w", c.endpoint.Host, err)
	}
	return statusFromAttrs(attrs), elapsed, nil
}

// CurrentTrack returns the file reference of the daemon's current
// track, or an empty string when nothing is current.
func (c *Conn) CurrentTrack() (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	attrs, err := c.c.CurrentSong()
	if err != nil {
		c.recover(err)
		return "", fmt.Errorf("current song of %s: %w", c.endpoint.Host, err)
	}
	return stripFilePrefix(attrs["file"]), nil
}

// Queue reads the daemon's whole queue.
func (c *Conn) Queue() ([]QueueEntry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	attrs, err := c.c.PlaylistInfo(-1, -1)
	if err != nil {
		c.recover(err)
		return nil, fmt.Errorf("queue of %s: %w", c.endpoint.Host, err)
	}
	entries := make([]QueueEntry, len(attrs))
	for i, a := range attrs {
		entries[i] = entryFromAttrs(a)
	}
	return entries, nil
}

// Changes asks for the queue delta since the given version token. An
// empty token requests the whole queue as a delta.
func (c *Conn) Changes(sinceVersion string) ([]QueueChange, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if sinceVersion == "" {
		sinceVersion = "0"
	}
	attrs, err := c.c.Command("plchanges %s", sinceVersion).AttrsList("file")
	if err != nil {
		c.recover(err)
		return nil, fmt.Errorf("plchanges of %s: %w", c.endpoint.Host, err)
	}
	changes := make([]QueueChange, len(attrs))
	for i, a := range attrs {
		changes[i] = changeFromAttrs(a)
	}
	return changes, nil
}

// Clear empties the daemon's queue.
func (c *Conn) Clear() error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.c.Clear(); err != nil {
		c.recover(err)
		return fmt.Errorf("clear on %s: %w", c.endpoint.Host, err)
	}
	return nil
}

// ReplaceQueue clears the queue and adds every entry, in one command
// list so the daemon applies the replacement atomically.
func (c *Conn) ReplaceQueue(entries []QueueEntry) error {
	if err := c.ready(); err != nil {
		return err
	}
	cl := c.c.BeginCommandList()
	cl.Clear()
	for _, e := range entries {
		cl.Add(e.File)
	}
	if err := cl.End(); err != nil {
		c.recover(err)
		return fmt.Errorf("replacing queue on %s: %w", c.endpoint.Host, err)
	}
	return nil
}

// AddAt inserts a file at a queue position and returns the ID the
// daemon assigned to it.
func (c *Conn) AddAt(file string, pos int) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	attrs, err := c.c.Command("addid %s %d", file, pos).Attrs()
	if err != nil {
		c.recover(err)
		return 0, fmt.Errorf("addid on %s: %w", c.endpoint.Host, err)
	}
	id := attrIntDefault(attrs, "Id", -1)
	if id < 0 {
		return 0, fmt.Errorf("addid on %s: no id in response", c.endpoint.Host)
	}
	return id, nil
}

// ApplyChanges replays a queue delta onto the daemon, returning the
// assigned ID for each change in order.
func (c *Conn) ApplyChanges(changes []QueueChange) ([]int, error) {
	ids := make([]int, len(changes))
	for i, ch := range changes {
		id, err := c.AddAt(ch.File, ch.Pos)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// SetTag attaches a tag value to a queued entry by ID. Only entries
// added by addid accept tags, and only streamed entries need them.
func (c *Conn) SetTag(id int, tag, value string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.c.Command("addtagid %d %s %s", id, tag, value).OK(); err != nil {
		c.recover(err)
		return fmt.Errorf("addtagid on %s: %w", c.endpoint.Host, err)
	}
	return nil
}

// TruncateTo deletes queue entries so that length entries remain.
func (c *Conn) TruncateTo(length, current int) error {
	if err := c.ready(); err != nil {
		return err
	}
	if current <= length {
		return nil
	}
	if err := c.c.Command("delete %d:%d", length, current).OK(); err != nil {
		c.recover(err)
		return fmt.Errorf("truncating queue on %s: %w", c.endpoint.Host, err)
	}
	return nil
}

// Play starts or resumes playback of the current track.
func (c *Conn) Play() error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.c.Play(-1); err != nil {
		c.recover(err)
		return fmt.Errorf("play on %s: %w", c.endpoint.Host, err)
	}
	return nil
}

// Pause pauses playback.
func (c *Conn) Pause() error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.c.Pause(true); err != nil {
		c.recover(err)
		return fmt.Errorf("pause on %s: %w", c.endpoint.Host, err)
	}
	return nil
}

// Stop stops playback.
func (c *Conn) Stop() error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.c.Stop(); err != nil {
		c.recover(err)
		return fmt.Errorf("stop on %s: %w", c.endpoint.Host, err)
	}
	return nil
}

// Seek positions playback of the given track at a fractional offset
// in seconds. The daemon itself only lands on frame boundaries.
func (c *Conn) Seek(track int, seconds float64) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.c.Command("seek %d %f", track, seconds).OK(); err != nil {
		c.recover(err)
		return fmt.Errorf("seek on %s: %w", c.endpoint.Host, err)
	}
	return nil
}

// SeekPlay seeks and immediately starts playback.
func (c *Conn) SeekPlay(track int, seconds float64) error {
	if err := c.Seek(track, seconds); err != nil {
		return err
	}
	return c.Play()
}
