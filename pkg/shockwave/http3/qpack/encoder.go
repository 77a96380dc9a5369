package qpack

import (
	"bytes"
	"strings"
	"sync"

	"github.com/valyala/bytebufferpool"

	"github.com/shockwave/h3mux/pkg/shockwave/http3/herr"
)

// Encoder is the QPACK encoder (RFC 9204): it maintains a dynamic header
// table, emits encoder-stream instructions, serializes field sections with
// insert-count/base prefixes, honors a blocked-streams budget, and
// processes decoder-stream acknowledgements. §4.2.

// Header is a name/value header field pair. A nil/empty Value is the
// normalized form of a null value (§3's HeaderField).
type Header struct {
	Name  string
	Value string
}

// SectionInfo tracks one in-flight field section's dynamic-table
// dependencies. §3.
type SectionInfo struct {
	RequiredInsertCount uint64
	Referenced          []uint64
	Blocking            bool
	Acknowledged        bool
	Cancelled           bool
}

// StreamInfo is a stream's FIFO queue of in-flight sections. §3.
type StreamInfo struct {
	StreamID uint64
	Sections []*SectionInfo
}

// blocking reports whether any section still references an unacknowledged
// entry.
func (s *StreamInfo) blocking() bool {
	for _, sec := range s.Sections {
		if sec.Blocking {
			return true
		}
	}
	return false
}

// Policy sets enumerated literally per §4.2.
var (
	doNotHuffman = headerSet("authorization", "content-md5", "proxy-authenticate", "proxy-authorization")
	doNotIndex   = headerSet(
		"authorization", "content-md5", "content-range", "etag",
		"if-modified-since", "if-unmodified-since", "if-none-match", "if-range",
		"if-match", "location", "range", "retry-after", "last-modified",
		"set-cookie", "set-cookie2",
	)
	neverIndex = headerSet("authorization", "set-cookie", "set-cookie2")
)

func headerSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func mayIndex(name string) bool {
	n := strings.ToLower(name)
	_, dn := doNotIndex[n]
	_, ni := neverIndex[n]
	return !dn && !ni
}

func isNeverIndex(name string) bool {
	_, ok := neverIndex[strings.ToLower(name)]
	return ok
}

func shouldHuffmanField(name string) bool {
	_, ok := doNotHuffman[strings.ToLower(name)]
	return !ok
}

// Encoder implements the QPACK encoder's public contract.
type Encoder struct {
	mu sync.Mutex

	dynamicTable      *DynamicTable
	knownInsertCount  uint64
	blockedStreams    int
	maxBlockedStreams int
	streams           map[uint64]*StreamInfo
	pending           [][]byte

	onInstructions func([][]byte) error
}

// NewEncoder creates an encoder with the given dynamic table capacity and
// blocked-streams budget.
func NewEncoder(capacity uint64, maxBlockedStreams int) *Encoder {
	return &Encoder{
		dynamicTable:      NewDynamicTable(capacity),
		maxBlockedStreams: maxBlockedStreams,
		streams:           make(map[uint64]*StreamInfo),
	}
}

// SetInstructionHandler installs the callback invoked with a batch of
// pending encoder-stream instructions at each drain point. It must not
// reenter the encoder. §6.
func (e *Encoder) SetInstructionHandler(fn func([][]byte) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onInstructions = fn
}

// GetDynamicTable returns the encoder's dynamic table (for testing).
func (e *Encoder) GetDynamicTable() *DynamicTable {
	return e.dynamicTable
}

// KnownInsertCount returns the decoder's last-acknowledged insert count.
func (e *Encoder) KnownInsertCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.knownInsertCount
}

// BlockedStreams returns the number of streams currently blocking.
func (e *Encoder) BlockedStreams() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blockedStreams
}

func (e *Encoder) emit(b []byte) {
	e.pending = append(e.pending, b)
}

func (e *Encoder) drainLocked() error {
	if len(e.pending) == 0 {
		return nil
	}
	batch := e.pending
	e.pending = nil
	if e.onInstructions == nil {
		return nil
	}
	return e.onInstructions(batch)
}

func (e *Encoder) getOrCreateStreamLocked(streamID uint64) *StreamInfo {
	s, ok := e.streams[streamID]
	if !ok {
		s = &StreamInfo{StreamID: streamID}
		e.streams[streamID] = s
	}
	return s
}

// SetCapacity updates the dynamic table and queues a SetCapacity
// instruction. Fails if outstanding references require more capacity than
// c allows to be freed. §4.2.
func (e *Encoder) SetCapacity(capacity uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.dynamicTable.SetMaxSize(capacity); err != nil {
		return err
	}
	e.emit(encodeSetCapacity(capacity))
	return e.drainLocked()
}

// Insert opportunistically inserts field into the dynamic table, emitting
// exactly one encoder-stream instruction. Returns false without side
// effects if field must not be indexed or the table cannot admit it. §4.2.
func (e *Encoder) Insert(field Header) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.insertLocked(field)
}

func (e *Encoder) insertLocked(field Header) (bool, error) {
	name, value := field.Name, field.Value
	if !mayIndex(name) {
		return false, nil
	}
	huffman := shouldHuffmanField(name)
	size := CalculateEntrySize(name, value)

	if dIdx, exact := e.dynamicTable.Find(name, value); exact {
		if !e.dynamicTable.CanInsert(size) {
			return false, nil
		}
		before := e.dynamicTable.GetInsertIndex()
		if _, err := e.dynamicTable.Duplicate(dIdx); err != nil {
			return false, err
		}
		e.emit(encodeDuplicate(before - 1 - dIdx))
		if err := e.drainLocked(); err != nil {
			return false, err
		}
		return true, nil
	}

	if sIdx, _ := FindStaticIndex(name, ""); sIdx != -1 {
		if !e.dynamicTable.CanInsert(size) {
			return false, nil
		}
		if _, err := e.dynamicTable.Add(name, value); err != nil {
			return false, err
		}
		e.emit(encodeInsertWithNameRef(true, uint64(sIdx), value, huffman))
		if err := e.drainLocked(); err != nil {
			return false, err
		}
		return true, nil
	}

	if dIdx, found := e.dynamicTable.Find(name, value); found || dIdx != 0 {
		if !e.dynamicTable.CanInsert(size) {
			return false, nil
		}
		before := e.dynamicTable.GetInsertIndex()
		if _, err := e.dynamicTable.Add(name, value); err != nil {
			return false, err
		}
		e.emit(encodeInsertWithNameRef(false, before-1-dIdx, value, huffman))
		if err := e.drainLocked(); err != nil {
			return false, err
		}
		return true, nil
	}

	if !e.dynamicTable.CanInsert(size) {
		return false, nil
	}
	if _, err := e.dynamicTable.Add(name, value); err != nil {
		return false, err
	}
	e.emit(encodeInsertWithLiteralName(name, value, huffman))
	if err := e.drainLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// referenceEntryLocked is the reference-or-block decision for a dynamic
// entry at absoluteIndex (§4.2 "Reference-or-block decision").
func (e *Encoder) referenceEntryLocked(absoluteIndex uint64, section *SectionInfo) bool {
	if !e.dynamicTable.CanReference(absoluteIndex) {
		return false
	}
	if e.knownInsertCount >= absoluteIndex {
		return true
	}
	if section.Blocking {
		return true
	}
	if e.blockedStreams < e.maxBlockedStreams {
		e.blockedStreams++
		section.Blocking = true
		return true
	}
	return false
}

func (e *Encoder) referenceLocked(absoluteIndex uint64, section *SectionInfo) {
	section.Referenced = append(section.Referenced, absoluteIndex)
	if absoluteIndex > section.RequiredInsertCount {
		section.RequiredInsertCount = absoluteIndex
	}
	e.dynamicTable.AddRef(absoluteIndex)
}

// Encode emits a complete field section (prefix + field lines) for fields
// into buf, registering the stream's new SectionInfo. §4.2.
func (e *Encoder) Encode(buf *bytes.Buffer, streamID uint64, fields []Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, f := range fields {
		if len(f.Name) > 0 && f.Name[0] <= 0x20 {
			return herr.NewStreamException(streamID, herr.H3GeneralProtocolError, "invalid header name")
		}
	}

	stream := e.getOrCreateStreamLocked(streamID)
	section := &SectionInfo{}
	base := e.dynamicTable.GetInsertIndex()

	scratch := bytebufferpool.Get()
	defer bytebufferpool.Put(scratch)
	lines := scratch.B
	for _, f := range fields {
		e.encodeFieldLocked(&lines, section, f, base)
	}
	scratch.B = lines

	writeSectionPrefix(buf, section.RequiredInsertCount, base, e.dynamicTable.GetMaxSize())
	buf.Write(scratch.B)

	stream.Sections = append(stream.Sections, section)
	return e.drainLocked()
}

// encodeFieldLocked runs the deterministic 5-step encoding algorithm for
// one field. §4.2 "Encoding algorithm for one field".
func (e *Encoder) encodeFieldLocked(out *[]byte, section *SectionInfo, field Header, base uint64) {
	name, value := field.Name, field.Value
	huffman := shouldHuffmanField(name)
	neverIdx := isNeverIndex(name)
	canIndex := mayIndex(name)

	// Step 2: exact match (static wins the tie-break).
	if sIdx, sExact := FindStaticIndex(name, value); sExact {
		writeIndexedFieldLine(out, uint64(sIdx), true, base)
		return
	}
	if dIdx, dExact := e.dynamicTable.Find(name, value); dExact {
		if e.referenceEntryLocked(dIdx, section) {
			e.referenceLocked(dIdx, section)
			writeIndexedFieldLine(out, dIdx, false, base)
			return
		}
		// Step 3: found but not currently referenceable.
		size := CalculateEntrySize(name, value)
		if canIndex && e.dynamicTable.CanInsert(size) {
			before := e.dynamicTable.GetInsertIndex()
			if newEntry, err := e.dynamicTable.Duplicate(dIdx); err == nil {
				e.emit(encodeDuplicate(before - 1 - dIdx))
				if e.referenceEntryLocked(newEntry.Index, section) {
					e.referenceLocked(newEntry.Index, section)
					writeIndexedFieldLine(out, newEntry.Index, false, base)
					return
				}
			}
		}
		writeLiteralFieldLineWithoutNameRef(out, name, value, huffman, neverIdx)
		return
	}

	// Step 4: name-only lookup, static preferred.
	if sIdx, _ := FindStaticIndex(name, ""); sIdx != -1 {
		size := CalculateEntrySize(name, value)
		if canIndex && e.dynamicTable.CanInsert(size) {
			if newEntry, err := e.dynamicTable.Add(name, value); err == nil {
				e.emit(encodeInsertWithNameRef(true, uint64(sIdx), value, huffman))
				if e.referenceEntryLocked(newEntry.Index, section) {
					e.referenceLocked(newEntry.Index, section)
					writeIndexedFieldLine(out, newEntry.Index, false, base)
					return
				}
			}
		}
		writeLiteralFieldLineWithNameRef(out, uint64(sIdx), value, true, huffman, neverIdx, base)
		return
	}
	if dIdx, found := e.dynamicTable.Find(name, value); (found || dIdx != 0) && e.dynamicTable.CanReference(dIdx) {
		size := CalculateEntrySize(name, value)
		if canIndex && e.dynamicTable.CanInsert(size) {
			before := e.dynamicTable.GetInsertIndex()
			if newEntry, err := e.dynamicTable.Add(name, value); err == nil {
				e.emit(encodeInsertWithNameRef(false, before-1-dIdx, value, huffman))
				if e.referenceEntryLocked(newEntry.Index, section) {
					e.referenceLocked(newEntry.Index, section)
					writeIndexedFieldLine(out, newEntry.Index, false, base)
					return
				}
			}
		}
		writeLiteralFieldLineWithNameRef(out, dIdx, value, false, huffman, neverIdx, base)
		return
	}

	// Step 5: no name match at all.
	size := CalculateEntrySize(name, value)
	if canIndex && e.dynamicTable.CanInsert(size) {
		if newEntry, err := e.dynamicTable.Add(name, value); err == nil {
			e.emit(encodeInsertWithLiteralName(name, value, huffman))
			if e.referenceEntryLocked(newEntry.Index, section) {
				e.referenceLocked(newEntry.Index, section)
				writeIndexedFieldLine(out, newEntry.Index, false, base)
				return
			}
		}
	}
	writeLiteralFieldLineWithoutNameRef(out, name, value, huffman, neverIdx)
}

// ParseInstructionBuffer parses decoder-stream instructions: Section
// Acknowledgement, Stream Cancellation, Insert Count Increment. Unknown
// prefixes fail with a SessionException. §4.2.
func (e *Encoder) ParseInstructionBuffer(buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var r qpackReader
	r.Reset(buf)

	for r.Len() > 0 {
		firstByte, err := r.ReadByte()
		if err != nil {
			return herr.NewSessionException(herr.QPACKDecoderStreamError, "truncated decoder stream")
		}
		r.UnreadByte()

		switch {
		case firstByte&0x80 != 0:
			id, err := readPrefixInt(&r, 7)
			if err != nil {
				return herr.NewSessionException(herr.QPACKDecoderStreamError, "malformed section acknowledgement")
			}
			if err := e.applySectionAcknowledgementLocked(id); err != nil {
				return err
			}
		case firstByte&0x40 != 0:
			id, err := readPrefixInt(&r, 6)
			if err != nil {
				return herr.NewSessionException(herr.QPACKDecoderStreamError, "malformed stream cancellation")
			}
			if err := e.applyStreamCancellationLocked(id); err != nil {
				return err
			}
		default:
			n, err := readPrefixInt(&r, 6)
			if err != nil {
				return herr.NewSessionException(herr.QPACKDecoderStreamError, "malformed insert count increment")
			}
			if err := e.applyInsertCountIncrementLocked(n); err != nil {
				return err
			}
		}
	}

	return e.drainLocked()
}

func (e *Encoder) applySectionAcknowledgementLocked(streamID uint64) error {
	stream, ok := e.streams[streamID]
	if !ok || len(stream.Sections) == 0 {
		return herr.NewSessionException(herr.QPACKDecoderStreamError, "section acknowledgement for unknown stream")
	}

	section := stream.Sections[0]
	stream.Sections = stream.Sections[1:]
	section.Acknowledged = true

	for _, idx := range section.Referenced {
		e.dynamicTable.Release(idx)
	}
	if section.Blocking {
		e.blockedStreams--
	}
	if section.RequiredInsertCount > e.knownInsertCount {
		e.knownInsertCount = section.RequiredInsertCount
	}
	e.unblockSectionsLocked()

	if len(stream.Sections) == 0 {
		delete(e.streams, streamID)
	}
	return nil
}

func (e *Encoder) applyStreamCancellationLocked(streamID uint64) error {
	stream, ok := e.streams[streamID]
	if !ok {
		return herr.NewSessionException(herr.QPACKDecoderStreamError, "cancellation for unknown stream")
	}

	for _, section := range stream.Sections {
		section.Cancelled = true
		for _, idx := range section.Referenced {
			e.dynamicTable.Release(idx)
		}
		if section.Blocking {
			e.blockedStreams--
		}
	}
	delete(e.streams, streamID)
	return nil
}

func (e *Encoder) applyInsertCountIncrementLocked(n uint64) error {
	if e.knownInsertCount+n > e.dynamicTable.GetInsertIndex() {
		return herr.NewSessionException(herr.QPACKDecoderStreamError, "insert count increment exceeds insert count")
	}
	e.knownInsertCount += n
	e.unblockSectionsLocked()
	return nil
}

// unblockSectionsLocked transitions every blocking section whose
// references are now all known-acknowledgeable out of the blocking state.
func (e *Encoder) unblockSectionsLocked() {
	for _, stream := range e.streams {
		for _, section := range stream.Sections {
			if section.Blocking && section.RequiredInsertCount <= e.knownInsertCount {
				section.Blocking = false
				e.blockedStreams--
			}
		}
	}
}

// --- Wire encoding helpers (§6) ---

func encodeSetCapacity(capacity uint64) []byte {
	var out []byte
	writePrefixInt(&out, capacity, 0x20, 5)
	return out
}

func encodeDuplicate(relativeIndex uint64) []byte {
	var out []byte
	writePrefixInt(&out, relativeIndex, 0x00, 5)
	return out
}

// encodeInsertWithNameRef writes the Insert With Name Reference
// instruction. index is the static index when isStatic, otherwise the
// relative-to-insert-count index of an existing dynamic entry.
// Matches processInsertWithNameRef's isStatic := (firstByte & 0x40) == 0:
// the T bit is set for a dynamic-table name reference, clear for static.
func encodeInsertWithNameRef(isStatic bool, index uint64, value string, huffman bool) []byte {
	var out []byte
	prefix := byte(0x80)
	if !isStatic {
		prefix |= 0x40
	}
	writePrefixInt(&out, index, prefix, 6)
	writeQpackString(&out, value, huffman)
	return out
}

func encodeInsertWithLiteralName(name, value string, huffman bool) []byte {
	var out []byte
	prefix := byte(0x40)
	nameHuffmanPrefix := prefix
	if huffman {
		nameHuffmanPrefix |= 0x20
	}
	nameBytes := []byte(name)
	if huffman {
		nameBytes = HuffmanEncode(nameBytes)
	}
	writePrefixInt(&out, uint64(len(nameBytes)), nameHuffmanPrefix, 5)
	out = append(out, nameBytes...)
	writeQpackString(&out, value, huffman)
	return out
}

func writeQpackString(out *[]byte, s string, huffman bool) {
	prefix := byte(0x00)
	if huffman {
		prefix = 0x80
	}
	if huffman {
		encoded := HuffmanEncode([]byte(s))
		writePrefixInt(out, uint64(len(encoded)), prefix, 7)
		*out = append(*out, encoded...)
		return
	}
	writePrefixInt(out, uint64(len(s)), prefix, 7)
	*out = append(*out, s...)
}

// writeIndexedFieldLine writes an Indexed Field Line, choosing the
// post-base form when absoluteIndex >= base (a just-inserted entry
// referenced within the section that inserted it).
func writeIndexedFieldLine(out *[]byte, absoluteIndex uint64, isStatic bool, base uint64) {
	if isStatic {
		writePrefixInt(out, absoluteIndex, 0x80, 6)
		return
	}
	if absoluteIndex < base {
		writePrefixInt(out, base-1-absoluteIndex, 0xC0, 6)
		return
	}
	writePrefixInt(out, absoluteIndex-base, 0x10, 4)
}

// writeLiteralFieldLineWithNameRef writes a Literal Field Line with Name
// Reference, choosing the post-base form for a dynamic name whose index
// is >= base.
func writeLiteralFieldLineWithNameRef(out *[]byte, nameIndex uint64, value string, isStatic bool, huffman bool, neverIdx bool, base uint64) {
	if !isStatic && nameIndex >= base {
		prefix := byte(0x00)
		if neverIdx {
			prefix |= 0x08
		}
		writePrefixInt(out, nameIndex-base, prefix, 3)
		writeQpackString(out, value, huffman)
		return
	}

	prefix := byte(0x40)
	if neverIdx {
		prefix |= 0x20
	}
	if !isStatic {
		prefix |= 0x10
	}
	idx := nameIndex
	if !isStatic {
		idx = base - 1 - nameIndex
	}
	writePrefixInt(out, idx, prefix, 4)
	writeQpackString(out, value, huffman)
}

func writeLiteralFieldLineWithoutNameRef(out *[]byte, name, value string, huffman bool, neverIdx bool) {
	prefix := byte(0x20)
	if neverIdx {
		prefix |= 0x10
	}
	*out = append(*out, prefix)
	writeQpackString(out, name, huffman)
	writeQpackString(out, value, huffman)
}

// writeSectionPrefix writes the Encoded Field Section Prefix: encoded
// insert count, then sign + delta base. §4.2 "Section prefix".
func writeSectionPrefix(buf *bytes.Buffer, requiredInsertCount, base, capacity uint64) {
	maxEntries := capacity / 32

	var encodedInsertCount uint64
	if requiredInsertCount != 0 && maxEntries != 0 {
		encodedInsertCount = (requiredInsertCount % (2 * maxEntries)) + 1
	}

	var prefixBytes []byte
	writePrefixInt(&prefixBytes, encodedInsertCount, 0x00, 8)

	sign := base < requiredInsertCount
	var deltaBase uint64
	if sign {
		deltaBase = requiredInsertCount - base - 1
	} else {
		deltaBase = base - requiredInsertCount
	}
	signBit := byte(0x00)
	if sign {
		signBit = 0x80
	}
	writePrefixInt(&prefixBytes, deltaBase, signBit, 7)

	buf.Write(prefixBytes)
}
