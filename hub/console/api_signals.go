// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package console

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/signalhub/signalhub/hub/permissions"
	"github.com/signalhub/signalhub/hub/signals"
)

func (s *Server) handleSignalsQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["loaderCode"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	if _, err := s.require(ctx, ld, permissions.ViewSignals); err != nil {
		s.serveError(w, r, err)
		return
	}

	fromEpoch, err := strconv.ParseInt(r.URL.Query().Get("fromEpoch"), 10, 64)
	if err != nil {
		s.serveError(w, r, Error.New("fromEpoch is required"))
		return
	}
	toEpoch, err := strconv.ParseInt(r.URL.Query().Get("toEpoch"), 10, 64)
	if err != nil {
		s.serveError(w, r, Error.New("toEpoch is required"))
		return
	}
	if fromEpoch >= toEpoch {
		s.serveError(w, r, Error.New("fromEpoch must be before toEpoch"))
		return
	}

	records, err := s.signal.Query(ctx, code, fromEpoch, toEpoch)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, records)
}

type segmentPayload struct {
	SegmentCode int64     `json:"segmentCode"`
	Segments    []*string `json:"segments"`
}

func (s *Server) handleSegmentsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["loaderCode"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	if _, err := s.require(ctx, ld, permissions.ViewSignals); err != nil {
		s.serveError(w, r, err)
		return
	}

	combinations, err := s.segments.List(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	payloads := make([]segmentPayload, 0, len(combinations))
	for _, combination := range combinations {
		payloads = append(payloads, segmentPayload{
			SegmentCode: combination.SegmentCode,
			Segments:    trimSegments(combination.Segments),
		})
	}
	s.serveJSON(w, r, http.StatusOK, payloads)
}

// trimSegments drops the unused tail of the tuple.
func trimSegments(tuple signals.SegmentTuple) []*string {
	last := -1
	for i, segment := range tuple {
		if segment != nil {
			last = i
		}
	}
	return tuple[:last+1]
}
