// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/binary"
	"fmt"

	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/shadow"
)

// Slot layouts, little endian.
//
// request:  id u16 | op u8 | flags u8 | nr_segments u16 | nr_indirect u8 | pad u8 |
//
//	segments[11] {ref u32, offset u16, length u16}  or  indirect refs[8] u32
//
// response: id u16 | op u8 | flags u8 | status i16 | offset u16 | pad
const (
	RequestSlotSize  = 128
	ResponseSlotSize = 16

	reqHeaderSize = 8
)

// Request flags.
const (
	// FlagIndirect marks a request whose segments sit in indirect pages.
	FlagIndirect uint8 = 1 << iota
	// FlagPeerWrites marks a request whose segments the peer may write.
	FlagPeerWrites
	// FlagTransfer marks a request whose segments accept frame transfers.
	FlagTransfer
	// FlagMoreData marks a response continued by the next one on the ring.
	FlagMoreData
)

// Response status codes.
const (
	StatusOK           int16 = 0
	StatusError        int16 = -1
	StatusNotSupported int16 = -2
)

type wireRequest struct {
	ID          uint16
	Op          uint8
	Flags       uint8
	NrSegments  uint16
	Segments    []shadow.Descriptor
	IndirectRef []gnttab.Ref
}

func encodeRequest(slot []byte, e *shadow.Entry, flags uint8) {
	binary.LittleEndian.PutUint16(slot[0:], e.ID)
	slot[2] = e.Op

	if e.IndirectFramed() {
		flags |= FlagIndirect
	}

	slot[3] = flags
	binary.LittleEndian.PutUint16(slot[4:], uint16(len(e.Segments)))
	slot[6] = uint8(len(e.Indirect))

	body := slot[reqHeaderSize:]

	if e.IndirectFramed() {
		for i, p := range e.Indirect {
			binary.LittleEndian.PutUint32(body[i*4:], uint32(p.Ref))
		}

		return
	}

	for i, s := range e.Segments {
		shadow.PutDescriptor(body, i, shadow.Descriptor{Ref: s.Ref, Offset: s.Offset, Length: s.Length})
	}
}

func decodeRequest(slot []byte) (wireRequest, error) {
	r := wireRequest{
		ID:         binary.LittleEndian.Uint16(slot[0:]),
		Op:         slot[2],
		Flags:      slot[3],
		NrSegments: binary.LittleEndian.Uint16(slot[4:]),
	}

	body := slot[reqHeaderSize:]

	if r.Flags&FlagIndirect != 0 {
		n := int(slot[6])
		if n == 0 || n > shadow.MaxIndirectPages || int(r.NrSegments) > n*shadow.SegmentsPerIndirectPage {
			return r, fmt.Errorf("request %d: %d segments in %d indirect pages", r.ID, r.NrSegments, n)
		}

		for i := range n {
			r.IndirectRef = append(r.IndirectRef, gnttab.Ref(binary.LittleEndian.Uint32(body[i*4:])))
		}

		return r, nil
	}

	if r.NrSegments > shadow.MaxSegmentsPerSlot {
		return r, fmt.Errorf("request %d: %d direct segments", r.ID, r.NrSegments)
	}

	for i := range int(r.NrSegments) {
		r.Segments = append(r.Segments, shadow.GetDescriptor(body, i))
	}

	return r, nil
}

type wireResponse struct {
	ID     uint16
	Op     uint8
	Flags  uint8
	Status int16
	Offset uint16
}

func encodeResponse(slot []byte, r wireResponse) {
	binary.LittleEndian.PutUint16(slot[0:], r.ID)
	slot[2] = r.Op
	slot[3] = r.Flags
	binary.LittleEndian.PutUint16(slot[4:], uint16(r.Status))
	binary.LittleEndian.PutUint16(slot[6:], r.Offset)
}

func decodeResponse(slot []byte) wireResponse {
	return wireResponse{
		ID:     binary.LittleEndian.Uint16(slot[0:]),
		Op:     slot[2],
		Flags:  slot[3],
		Status: int16(binary.LittleEndian.Uint16(slot[4:])),
		Offset: binary.LittleEndian.Uint16(slot[6:]),
	}
}
