// Package repository is the cross-layer store of channel state shared by the
// PU model, every spectrum manager and the MAC layer.
//
// The repository is not locked. A simulation run executes one event callback
// at a time, so no read can ever race a write.
package repository

import (
	"errors"
	"fmt"
	"time"
)

// ControlChannel is reserved for signalling and is never selected for data.
const ControlChannel = 0

const (
	// DefaultMaxNodes bounds node indices.
	DefaultMaxNodes = 200
	// DefaultMaxChannels bounds channel indices, control channel included.
	DefaultMaxChannels = 11
	// DefaultLivenessTimeout is how long a send record stays "currently sending".
	DefaultLivenessTimeout = 2 * time.Second
)

var (
	ErrNodeOutOfRange    = errors.New("node index out of range")
	ErrChannelOutOfRange = errors.New("channel index out of range")
	ErrBadLimits         = errors.New("invalid repository limits")
)

// Rand is the source of uniform draws in [0,1).
type Rand interface {
	Float64() float64
}

// ChannelState is a node's view of one channel after its last scan.
type ChannelState struct {
	Free       bool
	LastUpdate time.Duration
	// Valid is false until a scan has touched the node.
	Valid bool
}

// SendState records that a node recently transmitted on a channel.
type SendState struct {
	Active     bool
	LastUpdate time.Duration
}

// SpectralParams describes one channel of the licensed band.
type SpectralParams struct {
	Bandwidth       float64 // bit/s
	Frequency       float64 // Hz
	PacketErrorRate float64
}

// Config bounds the repository tables.
type Config struct {
	MaxNodes        int
	MaxChannels     int
	LivenessTimeout time.Duration
}

// DefaultConfig mirrors the limits of the reference CRAHN setup.
func DefaultConfig() Config {
	return Config{
		MaxNodes:        DefaultMaxNodes,
		MaxChannels:     DefaultMaxChannels,
		LivenessTimeout: DefaultLivenessTimeout,
	}
}

// Repository holds every per-node and per-channel row.
type Repository struct {
	cfg Config
	rng Rand

	recvChannel []int
	channels    [][]ChannelState
	send        [][]SendState
	spectral    []SpectralParams
}

// New allocates tables sized by cfg. rng drives RandomChannel and may be nil
// if that operation is never used.
func New(cfg Config, rng Rand) (*Repository, error) {
	if cfg.MaxNodes <= 0 {
		return nil, fmt.Errorf("%w: max nodes %d", ErrBadLimits, cfg.MaxNodes)
	}
	if cfg.MaxChannels < 2 {
		return nil, fmt.Errorf("%w: max channels %d leaves no data channel", ErrBadLimits, cfg.MaxChannels)
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}

	r := &Repository{
		cfg:         cfg,
		rng:         rng,
		recvChannel: make([]int, cfg.MaxNodes),
		channels:    make([][]ChannelState, cfg.MaxNodes),
		send:        make([][]SendState, cfg.MaxNodes),
		spectral:    make([]SpectralParams, cfg.MaxChannels),
	}
	for n := 0; n < cfg.MaxNodes; n++ {
		r.channels[n] = make([]ChannelState, cfg.MaxChannels)
		r.send[n] = make([]SendState, cfg.MaxChannels)
		for c := range r.channels[n] {
			r.channels[n][c].Free = true
		}
	}
	return r, nil
}

// MaxNodes returns the node bound.
func (r *Repository) MaxNodes() int { return r.cfg.MaxNodes }

// MaxChannels returns the channel bound, control channel included.
func (r *Repository) MaxChannels() int { return r.cfg.MaxChannels }

// LivenessTimeout returns the send-record liveness window.
func (r *Repository) LivenessTimeout() time.Duration { return r.cfg.LivenessTimeout }

func (r *Repository) validNode(node int) bool {
	return node >= 0 && node < r.cfg.MaxNodes
}

func (r *Repository) validChannel(ch int) bool {
	return ch >= 0 && ch < r.cfg.MaxChannels
}

//
// ---------- Receive channel assignment ----------
//

// RecvChannel returns the node's current receive channel.
func (r *Repository) RecvChannel(node int) int {
	if !r.validNode(node) {
		return ControlChannel
	}
	return r.recvChannel[node]
}

// SetRecvChannel assigns the node's receive channel. Only the node's own
// spectrum manager (or the run setup) calls this.
func (r *Repository) SetRecvChannel(node, ch int) error {
	if !r.validNode(node) {
		return fmt.Errorf("%w: %d", ErrNodeOutOfRange, node)
	}
	if !r.validChannel(ch) {
		return fmt.Errorf("%w: %d", ErrChannelOutOfRange, ch)
	}
	r.recvChannel[node] = ch
	return nil
}

//
// ---------- Busy/free table ----------
//

// SetChannelBusy marks ch busy for node. Out-of-range indices are ignored.
func (r *Repository) SetChannelBusy(node, ch int, now time.Duration) {
	r.setChannel(node, ch, false, now)
}

// SetChannelFree marks ch free for node. Out-of-range indices are ignored.
func (r *Repository) SetChannelFree(node, ch int, now time.Duration) {
	r.setChannel(node, ch, true, now)
}

func (r *Repository) setChannel(node, ch int, free bool, now time.Duration) {
	if !r.validNode(node) || !r.validChannel(ch) {
		return
	}
	r.channels[node][ch] = ChannelState{Free: free, LastUpdate: now, Valid: true}
}

// ResetNode marks every channel free for node, the first step of a scan.
func (r *Repository) ResetNode(node int, now time.Duration) {
	if !r.validNode(node) {
		return
	}
	for c := range r.channels[node] {
		r.channels[node][c] = ChannelState{Free: true, LastUpdate: now, Valid: true}
	}
}

// IsChannelFree reports the node's last scanned view of ch. Channels of a node
// that was never scanned read as free; out-of-range channels read as busy so
// they are never selected.
func (r *Repository) IsChannelFree(node, ch int) bool {
	if !r.validNode(node) || !r.validChannel(ch) {
		return false
	}
	return r.channels[node][ch].Free
}

// ChannelState returns the full row for (node, ch).
func (r *Repository) ChannelState(node, ch int) ChannelState {
	if !r.validNode(node) || !r.validChannel(ch) {
		return ChannelState{}
	}
	return r.channels[node][ch]
}

// FreeChannels lists the data channels node currently sees as free.
func (r *Repository) FreeChannels(node int) []int {
	if !r.validNode(node) {
		return nil
	}
	var out []int
	for c := ControlChannel + 1; c < r.cfg.MaxChannels; c++ {
		if r.channels[node][c].Free {
			out = append(out, c)
		}
	}
	return out
}

//
// ---------- Send liveness table ----------
//

// UpdateSendChannel records that node transmitted on ch at now.
func (r *Repository) UpdateSendChannel(node, ch int, now time.Duration) error {
	if !r.validNode(node) {
		return fmt.Errorf("%w: %d", ErrNodeOutOfRange, node)
	}
	if !r.validChannel(ch) {
		return fmt.Errorf("%w: %d", ErrChannelOutOfRange, ch)
	}
	r.send[node][ch] = SendState{Active: true, LastUpdate: now}
	return nil
}

// IsChannelUsedForSending reports whether node transmitted on ch within the
// liveness timeout before now.
func (r *Repository) IsChannelUsedForSending(node, ch int, now time.Duration) bool {
	if !r.validNode(node) || !r.validChannel(ch) {
		return false
	}
	st := r.send[node][ch]
	return st.Active && now-st.LastUpdate <= r.cfg.LivenessTimeout
}

//
// ---------- Spectral parameters ----------
//

// SetSpectralParams stores the parameters of ch. Called at setup only.
func (r *Repository) SetSpectralParams(ch int, p SpectralParams) error {
	if !r.validChannel(ch) {
		return fmt.Errorf("%w: %d", ErrChannelOutOfRange, ch)
	}
	r.spectral[ch] = p
	return nil
}

// SpectralParams returns the parameters of ch, zero for unknown channels.
func (r *Repository) SpectralParams(ch int) SpectralParams {
	if !r.validChannel(ch) {
		return SpectralParams{}
	}
	return r.spectral[ch]
}

// ChannelBandwidth returns the bandwidth of ch in Hz.
func (r *Repository) ChannelBandwidth(ch int) float64 { return r.SpectralParams(ch).Bandwidth }

// ChannelFrequency returns the carrier frequency of ch in Hz.
func (r *Repository) ChannelFrequency(ch int) float64 { return r.SpectralParams(ch).Frequency }

// ChannelPER returns the packet error rate of ch.
func (r *Repository) ChannelPER(ch int) float64 { return r.SpectralParams(ch).PacketErrorRate }

// RandomChannel draws a data channel uniformly from [1, MaxChannels).
func (r *Repository) RandomChannel() int {
	if r.rng == nil {
		return ControlChannel + 1
	}
	ch := ControlChannel + 1 + int(r.rng.Float64()*float64(r.cfg.MaxChannels-1))
	if ch >= r.cfg.MaxChannels {
		ch = r.cfg.MaxChannels - 1
	}
	return ch
}
