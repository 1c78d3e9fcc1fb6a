package repository

import (
	"errors"
	"fmt"
	"io"

	"github.com/signalsfoundry/crahn-simulator/internal/dataset"
)

// ErrBadSpectrumData indicates a malformed spectral parameters dataset.
var ErrBadSpectrumData = errors.New("invalid spectrum dataset")

// LoadSpectralParams reads a spectrum dataset and stores it in the
// repository. The format is a channel count followed by one record per
// channel:
//
//	<count>
//	<channel> <bandwidth> <frequency> <packet_error_rate>
//
// Channels that are not listed keep zero parameters. It returns the number of
// channels loaded.
func (r *Repository) LoadSpectralParams(src io.Reader) (int, error) {
	tok := dataset.NewTokens(src)

	count, err := tok.Int("channel count")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadSpectrumData, err)
	}
	if count < 0 || count > r.cfg.MaxChannels {
		return 0, fmt.Errorf("%w: %d channels declared, max %d", ErrBadSpectrumData, count, r.cfg.MaxChannels)
	}

	for i := 0; i < count; i++ {
		ch, err := tok.Int("channel")
		if err != nil {
			return i, fmt.Errorf("%w: record %d: %v", ErrBadSpectrumData, i, err)
		}
		var p SpectralParams
		if p.Bandwidth, err = tok.Finite("bandwidth"); err != nil {
			return i, fmt.Errorf("%w: record %d: %v", ErrBadSpectrumData, i, err)
		}
		if p.Frequency, err = tok.Finite("frequency"); err != nil {
			return i, fmt.Errorf("%w: record %d: %v", ErrBadSpectrumData, i, err)
		}
		if p.PacketErrorRate, err = tok.Finite("packet error rate"); err != nil {
			return i, fmt.Errorf("%w: record %d: %v", ErrBadSpectrumData, i, err)
		}
		if p.Bandwidth < 0 || p.Frequency < 0 || p.PacketErrorRate < 0 || p.PacketErrorRate > 1 {
			return i, fmt.Errorf("%w: channel %d has out-of-range parameters", ErrBadSpectrumData, ch)
		}
		if err := r.SetSpectralParams(ch, p); err != nil {
			return i, fmt.Errorf("%w: %v", ErrBadSpectrumData, err)
		}
	}
	if !tok.Done() {
		return count, fmt.Errorf("%w: trailing data after %d records", ErrBadSpectrumData, count)
	}
	return count, nil
}
