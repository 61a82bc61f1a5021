package vm

import (
	"encoding/binary"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/value"
)

type limitBounds struct {
	lower, upper int64
}

func (l *limitBounds) checkSigned(v int64) bool {
	return v >= l.lower && v <= l.upper
}

func (l *limitBounds) checkUnsigned(v uint64) bool {
	return int64(v) >= l.lower && int64(v) <= l.upper
}

func widthForVariant(v Variant) int {
	switch v {
	case VarU8, VarS8, VarBool:
		return 1
	case VarU16, VarS16:
		return 2
	case VarU32, VarS32:
		return 4
	case VarU64, VarS64:
		return 8
	default:
		return 1
	}
}

func isSignedVariant(v Variant) bool {
	switch v {
	case VarS8, VarS16, VarS32, VarS64:
		return true
	default:
		return false
	}
}

// cursor walks an instruction stream. Pack and unpack state embed it.
type cursor struct {
	code []byte
	pos  int
}

func (c *cursor) nextInstr() (Opcode, Variant, bool, error) {
	if c.pos >= len(c.code) {
		return 0, 0, false, apxerr.New(apxerr.Pack, "unexpected end of program")
	}
	op, variant, flag := Decode(c.code[c.pos])
	c.pos++
	return op, variant, flag, nil
}

func (c *cursor) peekInstr() (Opcode, Variant, bool, bool) {
	if c.pos >= len(c.code) {
		return 0, 0, false, false
	}
	op, variant, flag := Decode(c.code[c.pos])
	return op, variant, flag, true
}

func (c *cursor) maybeConsumeLimit(width int) (*limitBounds, error) {
	op, variant, _, ok := c.peekInstr()
	if !ok || op != OpDataCtrl || variant != VarLimitCheck {
		return nil, nil
	}
	c.pos++
	if c.pos+2*width > len(c.code) {
		return nil, apxerr.New(apxerr.BufferBoundary, "truncated limit-check immediate")
	}
	lower := getIntN(c.code[c.pos : c.pos+width])
	upper := getIntN(c.code[c.pos+width : c.pos+2*width])
	c.pos += 2 * width
	return &limitBounds{lower, upper}, nil
}

func (c *cursor) readName() (string, error) {
	start := c.pos
	for c.pos < len(c.code) && c.code[c.pos] != 0 {
		c.pos++
	}
	if c.pos >= len(c.code) {
		return "", apxerr.New(apxerr.BufferBoundary, "unterminated record field name")
	}
	name := string(c.code[start:c.pos])
	c.pos++ // skip null terminator
	return name, nil
}

func (c *cursor) readArrayHeader() (width int, dynamic bool, maxLen uint32, err error) {
	op, variant, flag, err := c.nextInstr()
	if err != nil {
		return 0, false, 0, err
	}
	if op != OpArray {
		return 0, false, 0, apxerr.New(apxerr.Pack, "expected array instruction")
	}
	width = arrayWidthBytes(variant)
	if c.pos+width > len(c.code) {
		return 0, false, 0, apxerr.New(apxerr.BufferBoundary, "truncated array-length immediate")
	}
	buf := make([]byte, 4)
	copy(buf, c.code[c.pos:c.pos+width])
	maxLen = binary.LittleEndian.Uint32(buf)
	c.pos += width
	return width, flag, maxLen, nil
}

// ---------------------------------------------------------------------
// Pack
// ---------------------------------------------------------------------

type packState struct {
	cursor
	buf    []byte
	bufPos int
}

// Pack executes prog (which must be a pack program) against v, writing the
// serialized bytes into buf starting at offset 0. It returns the number of
// bytes written.
func Pack(prog *Program, v value.Value, buf []byte) (int, error) {
	if prog.Type != ProgramPack {
		return 0, apxerr.New(apxerr.Unsupported, "program is not a pack program")
	}
	s := &packState{cursor: cursor{code: prog.Code}, buf: buf}
	if err := s.packValue(v); err != nil {
		return 0, err
	}
	return s.bufPos, nil
}

func (s *packState) writeBytes(data []byte) error {
	if s.bufPos+len(data) > len(s.buf) {
		return apxerr.New(apxerr.BufferBoundary, "pack buffer too small")
	}
	copy(s.buf[s.bufPos:], data)
	s.bufPos += len(data)
	return nil
}

func (s *packState) writeUint(u uint64, width int) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, u)
	return s.writeBytes(buf[:width])
}

func (s *packState) packValue(v value.Value) error {
	op, variant, flag, err := s.nextInstr()
	if err != nil {
		return err
	}
	if op != OpPack {
		return apxerr.New(apxerr.Pack, "expected pack instruction")
	}
	if variant == VarRecord {
		return s.packRecord(flag, v)
	}
	return s.packScalarOrArray(variant, flag, v)
}

func (s *packState) packScalarOrArray(variant Variant, isArray bool, v value.Value) error {
	limit, err := s.maybeConsumeLimit(widthForVariant(variant))
	if err != nil {
		return err
	}
	if !isArray {
		return s.packOneScalar(variant, v, limit)
	}
	width, dynamic, maxLen, err := s.readArrayHeader()
	if err != nil {
		return err
	}
	if variant == VarStr {
		return s.packString(v, maxLen)
	}
	if v.Kind != value.Array {
		return apxerr.New(apxerr.DVType, "expected array value")
	}
	n := uint32(len(v.Items))
	if dynamic {
		if n > maxLen {
			return apxerr.New(apxerr.Length, "array exceeds declared maximum length")
		}
		if err := s.writeUint(uint64(n), width); err != nil {
			return err
		}
	} else if n != maxLen {
		return apxerr.New(apxerr.Length, "fixed array length mismatch")
	}
	for i := uint32(0); i < n; i++ {
		if err := s.packOneScalar(variant, v.Items[i], limit); err != nil {
			return err
		}
	}
	return nil
}

func (s *packState) packOneScalar(variant Variant, v value.Value, limit *limitBounds) error {
	width := widthForVariant(variant)
	switch variant {
	case VarBool:
		b := v.Bool
		if v.Kind != value.Bool {
			u, ok := v.AsUint()
			if !ok {
				return apxerr.New(apxerr.DVType, "expected boolean value")
			}
			b = u != 0
		}
		var u uint64
		if b {
			u = 1
		}
		return s.writeUint(u, width)
	default:
		if isSignedVariant(variant) {
			iv, ok := v.AsInt()
			if !ok {
				return apxerr.New(apxerr.DVType, "expected numeric value")
			}
			if limit != nil && !limit.checkSigned(iv) {
				return apxerr.New(apxerr.Value, "value outside declared range")
			}
			return s.writeUint(uint64(iv), width)
		}
		uv, ok := v.AsUint()
		if !ok {
			return apxerr.New(apxerr.DVType, "expected numeric value")
		}
		if limit != nil && !limit.checkUnsigned(uv) {
			return apxerr.New(apxerr.Value, "value outside declared range")
		}
		return s.writeUint(uv, width)
	}
}

func (s *packState) packString(v value.Value, maxLen uint32) error {
	if v.Kind != value.String {
		return apxerr.New(apxerr.DVType, "expected string value")
	}
	str := v.Str
	if uint32(len(str)) > maxLen {
		str = str[:maxLen]
	}
	buf := make([]byte, maxLen)
	copy(buf, str)
	return s.writeBytes(buf)
}

func (s *packState) packRecord(isArray bool, v value.Value) error {
	if !isArray {
		return s.packRecordBody(v)
	}
	width, dynamic, maxLen, err := s.readArrayHeader()
	if err != nil {
		return err
	}
	if v.Kind != value.Array {
		return apxerr.New(apxerr.DVType, "expected array of records")
	}
	n := uint32(len(v.Items))
	if dynamic {
		if n > maxLen {
			return apxerr.New(apxerr.Length, "record array exceeds declared maximum length")
		}
		if err := s.writeUint(uint64(n), width); err != nil {
			return err
		}
	} else if n != maxLen {
		return apxerr.New(apxerr.Length, "fixed record array length mismatch")
	}
	bodyStart := s.pos
	if n == 0 {
		return s.skipRecordBody()
	}
	var bodyEnd int
	for i := uint32(0); i < n; i++ {
		s.pos = bodyStart
		if err := s.packRecordBody(v.Items[i]); err != nil {
			return err
		}
		bodyEnd = s.pos
	}
	s.pos = bodyEnd
	return nil
}

func (s *packState) packRecordBody(v value.Value) error {
	if v.Kind != value.Record {
		return apxerr.New(apxerr.DVType, "expected record value")
	}
	seen := make(map[string]bool, len(v.Fields))
	for {
		op, _, isLast, err := s.nextInstr()
		if err != nil {
			return err
		}
		if op != OpDataCtrl {
			return apxerr.New(apxerr.Pack, "expected record-select instruction")
		}
		name, err := s.readName()
		if err != nil {
			return err
		}
		fv, ok := v.Fields[name]
		if !ok {
			return apxerr.Newf(apxerr.DVType, "missing record field %q", name)
		}
		seen[name] = true
		if err := s.packValue(fv); err != nil {
			return err
		}
		if isLast {
			break
		}
	}
	if len(seen) != len(v.Fields) {
		return apxerr.New(apxerr.DVType, "record value has extra fields")
	}
	return nil
}

func (s *packState) skipRecordBody() error {
	for {
		op, _, isLast, err := s.nextInstr()
		if err != nil {
			return err
		}
		if op != OpDataCtrl {
			return apxerr.New(apxerr.Pack, "expected record-select instruction")
		}
		if _, err := s.readName(); err != nil {
			return err
		}
		if err := s.skipValue(); err != nil {
			return err
		}
		if isLast {
			break
		}
	}
	return nil
}

// skipValue advances past one compiled element's instructions without
// reading or writing any data; used when a dynamic array of records has
// zero elements, so the body bytecode still must be skipped structurally.
func (s *packState) skipValue() error {
	op, variant, flag, err := s.nextInstr()
	if err != nil {
		return err
	}
	if op != OpPack && op != OpUnpack {
		return apxerr.New(apxerr.Pack, "expected pack/unpack instruction")
	}
	if variant == VarRecord {
		if flag {
			if _, _, _, err := s.readArrayHeader(); err != nil {
				return err
			}
		}
		return s.skipRecordBody()
	}
	if _, err := s.maybeConsumeLimit(widthForVariant(variant)); err != nil {
		return err
	}
	if flag {
		if _, _, _, err := s.readArrayHeader(); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Unpack
// ---------------------------------------------------------------------

type unpackState struct {
	cursor
	buf    []byte
	bufPos int
}

// Unpack executes prog (which must be an unpack program) against buf,
// returning the decoded value tree.
func Unpack(prog *Program, buf []byte) (value.Value, error) {
	if prog.Type != ProgramUnpack {
		return value.Value{}, apxerr.New(apxerr.Unsupported, "program is not an unpack program")
	}
	s := &unpackState{cursor: cursor{code: prog.Code}, buf: buf}
	return s.unpackValue()
}

func (s *unpackState) readBytes(n int) ([]byte, error) {
	if s.bufPos+n > len(s.buf) {
		return nil, apxerr.New(apxerr.BufferBoundary, "unpack buffer too small")
	}
	out := s.buf[s.bufPos : s.bufPos+n]
	s.bufPos += n
	return out, nil
}

func (s *unpackState) readUint(width int) (uint64, error) {
	b, err := s.readBytes(width)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	copy(buf, b)
	return binary.LittleEndian.Uint64(buf), nil
}

func (s *unpackState) unpackValue() (value.Value, error) {
	op, variant, flag, err := s.nextInstr()
	if err != nil {
		return value.Value{}, err
	}
	if op != OpUnpack {
		return value.Value{}, apxerr.New(apxerr.Read, "expected unpack instruction")
	}
	if variant == VarRecord {
		return s.unpackRecord(flag)
	}
	return s.unpackScalarOrArray(variant, flag)
}

func (s *unpackState) unpackScalarOrArray(variant Variant, isArray bool) (value.Value, error) {
	limit, err := s.maybeConsumeLimit(widthForVariant(variant))
	if err != nil {
		return value.Value{}, err
	}
	if !isArray {
		return s.unpackOneScalar(variant, limit)
	}
	width, dynamic, maxLen, err := s.readArrayHeader()
	if err != nil {
		return value.Value{}, err
	}
	if variant == VarStr {
		return s.unpackString(maxLen)
	}
	n := maxLen
	if dynamic {
		got, err := s.readUint(width)
		if err != nil {
			return value.Value{}, err
		}
		if got > uint64(maxLen) {
			return value.Value{}, apxerr.New(apxerr.Length, "decoded array length exceeds declared maximum")
		}
		n = uint32(got)
	}
	items := make([]value.Value, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := s.unpackOneScalar(variant, limit)
		if err != nil {
			return value.Value{}, err
		}
		items = append(items, v)
	}
	return value.NewArray(items), nil
}

func (s *unpackState) unpackOneScalar(variant Variant, limit *limitBounds) (value.Value, error) {
	width := widthForVariant(variant)
	u, err := s.readUint(width)
	if err != nil {
		return value.Value{}, err
	}
	switch variant {
	case VarBool:
		return value.NewBool(u != 0), nil
	default:
		if isSignedVariant(variant) {
			iv := signExtend(u, width)
			if limit != nil && !limit.checkSigned(iv) {
				return value.Value{}, apxerr.New(apxerr.Value, "decoded value outside declared range")
			}
			return value.NewInt(iv), nil
		}
		if limit != nil && !limit.checkUnsigned(u) {
			return value.Value{}, apxerr.New(apxerr.Value, "decoded value outside declared range")
		}
		return value.NewUint(u), nil
	}
}

func signExtend(u uint64, width int) int64 {
	shift := uint(64 - 8*width)
	return int64(u<<shift) >> shift
}

func (s *unpackState) unpackString(maxLen uint32) (value.Value, error) {
	b, err := s.readBytes(int(maxLen))
	if err != nil {
		return value.Value{}, err
	}
	end := 0
	for end < len(b) && b[end] != 0 {
		end++
	}
	return value.NewString(string(b[:end])), nil
}

func (s *unpackState) unpackRecord(isArray bool) (value.Value, error) {
	if !isArray {
		return s.unpackRecordBody()
	}
	width, dynamic, maxLen, err := s.readArrayHeader()
	if err != nil {
		return value.Value{}, err
	}
	n := maxLen
	if dynamic {
		got, err := s.readUint(width)
		if err != nil {
			return value.Value{}, err
		}
		if got > uint64(maxLen) {
			return value.Value{}, apxerr.New(apxerr.Length, "decoded record array length exceeds declared maximum")
		}
		n = uint32(got)
	}
	bodyStart := s.pos
	items := make([]value.Value, 0, n)
	var bodyEnd int
	for i := uint32(0); i < n; i++ {
		s.pos = bodyStart
		v, err := s.unpackRecordBody()
		if err != nil {
			return value.Value{}, err
		}
		items = append(items, v)
		bodyEnd = s.pos
	}
	if n == 0 {
		if err := s.skipRecordBodyUnpack(); err != nil {
			return value.Value{}, err
		}
	} else {
		s.pos = bodyEnd
	}
	return value.NewArray(items), nil
}

func (s *unpackState) unpackRecordBody() (value.Value, error) {
	fields := make(map[string]value.Value)
	for {
		op, _, isLast, err := s.nextInstr()
		if err != nil {
			return value.Value{}, err
		}
		if op != OpDataCtrl {
			return value.Value{}, apxerr.New(apxerr.Read, "expected record-select instruction")
		}
		name, err := s.readName()
		if err != nil {
			return value.Value{}, err
		}
		v, err := s.unpackValue()
		if err != nil {
			return value.Value{}, err
		}
		fields[name] = v
		if isLast {
			break
		}
	}
	return value.NewRecord(fields), nil
}

func (s *unpackState) skipRecordBodyUnpack() error {
	st := &packState{cursor: s.cursor}
	if err := st.skipRecordBody(); err != nil {
		return err
	}
	s.cursor = st.cursor
	return nil
}
