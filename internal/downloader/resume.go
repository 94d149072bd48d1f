package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ligustah/trickle/internal/store"
)

// PartialStore persists partial downloads between runs. *store.Store
// implements it.
type PartialStore interface {
	LoadPartial(ctx context.Context, name string) (*store.State, []byte, error)
	SavePartial(ctx context.Context, st store.State, data []byte) error
	DeletePartial(ctx context.Context, name string) error
	Complete(ctx context.Context, name string, data []byte, metadata map[string]string) (*store.Manifest, error)
}

// ResumeRequest describes a download that continues from persisted state.
type ResumeRequest struct {
	// File.Size may be negative to take the size from the server.
	File File
	URL  string

	// Force discards any persisted state instead of resuming from it.
	Force bool

	// Metadata is attached to the completed object.
	Metadata map[string]string
}

// ResumeResult is the outcome of Resume. Data holds every byte from offset
// zero, restored and newly fetched.
type ResumeResult struct {
	Result

	// Restored is the number of bytes loaded from the store.
	Restored int64

	// Manifest is set once the download is complete and stored.
	Manifest *store.Manifest
}

// Resume downloads req.File into st, continuing a partial download left by an
// earlier run.
//
// The stored state is checked against the server's ETag and size. A mismatch
// fails with ErrSourceChanged unless req.Force is set. A server that does not
// accept ranges restarts the download from zero.
//
// A completed download is written with st.Complete, which removes the partial
// state. A PartiallyCompleted download is saved back so the next run picks up
// where this one stopped. Failed and cancelled downloads leave the stored
// state untouched.
func (c *Controller) Resume(ctx context.Context, st PartialStore, req ResumeRequest, stop *StopToken) (*ResumeResult, error) {
	name := req.File.Name
	log := c.log.With().Str("name", name).Logger()

	info, err := c.client.Head(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}

	size := req.File.Size
	if size < 0 {
		size = info.Size
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSize, req.URL)
	}
	if info.Size >= 0 && info.Size != size {
		log.Warn().Int64("declared", size).Int64("announced", info.Size).Msg("declared size differs from server")
	}

	state, prior, err := st.LoadPartial(ctx, name)
	switch {
	case errors.Is(err, store.ErrNoState):
		state, prior = nil, nil
	case err != nil:
		return nil, fmt.Errorf("load state: %w", err)
	}

	if state != nil {
		changed := state.Size != size || (state.ETag != "" && info.ETag != "" && state.ETag != info.ETag)
		switch {
		case req.Force:
			log.Info().Int64("offset", state.Offset).Msg("discarding stored state")
			if err := st.DeletePartial(ctx, name); err != nil {
				return nil, fmt.Errorf("reset state: %w", err)
			}
			state, prior = nil, nil
		case changed:
			return nil, fmt.Errorf("%w: %s (etag stored=%s current=%s, size stored=%d current=%d)",
				ErrSourceChanged, name, state.ETag, info.ETag, state.Size, size)
		case !info.AcceptsRanges && len(prior) > 0:
			log.Warn().Msg("server does not accept ranges, restarting from zero")
			state, prior = nil, nil
		}
	}

	offset := int64(len(prior))
	if offset > 0 {
		log.Info().Int64("offset", offset).Msg("resuming")
	}

	res, err := c.Download(ctx, Request{
		File:   File{Name: name, Size: size, Date: req.File.Date},
		URL:    req.URL,
		Offset: offset,
	}, stop)
	if err != nil {
		if res == nil {
			return nil, err
		}
		return &ResumeResult{Result: *res, Restored: offset}, err
	}

	data := make([]byte, 0, offset+int64(len(res.Data)))
	data = append(data, prior...)
	data = append(data, res.Data...)

	out := &ResumeResult{Result: *res, Restored: offset}
	out.Data = data
	out.Offset = 0

	switch res.State {
	case StateCompleted:
		m, err := st.Complete(ctx, name, data, req.Metadata)
		if err != nil {
			return out, fmt.Errorf("complete download: %w", err)
		}
		out.Manifest = m

	case StatePartiallyCompleted:
		if err := st.SavePartial(ctx, store.State{
			Name:      name,
			URL:       req.URL,
			Size:      size,
			ETag:      info.ETag,
			UpdatedAt: time.Now().UTC(),
		}, data); err != nil {
			return out, fmt.Errorf("save state: %w", err)
		}
	}

	return out, nil
}
