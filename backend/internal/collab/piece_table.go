package collab

import (
	"fmt"
	"strings"

	"collabcore/backend/internal/ot"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

// piece references a run of runes in either the original or the add buffer.
type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable is a rune-based piece table: the original text is never
// mutated, inserted text is appended to a separate add buffer, and the
// piece list stitches the logical document together. Sequential edits touch
// only the pieces around the edit point.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Apply walks the operation's steps against the piece list: retain moves the
// position, insert splits the covering piece, delete trims or drops pieces.
func (pt *PieceTable) Apply(op ot.Operation) error {
	if op.BaseLen() != pt.Len() {
		return fmt.Errorf("operation spans %d runes, buffer has %d", op.BaseLen(), pt.Len())
	}
	pos := 0
	for _, s := range op {
		switch s.Kind {
		case ot.KindRetain:
			pos += s.Count

		case ot.KindInsert:
			text := []rune(s.Text)
			start := len(pt.add)
			pt.add = append(pt.add, text...)
			pt.insertPiece(pos, piece{buf: bufAdd, offset: start, length: len(text)})
			pos += len(text)

		case ot.KindDelete:
			pt.deleteRange(pos, s.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insertPiece(pos int, np piece) {
	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, np)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
}

func (pt *PieceTable) deleteRange(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
			// idx now points at the piece after the removed one.
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			// If more remains to delete, take == can here, so the next loop
			// iteration advances past the left remnant via the can<=0 check.
		}
		remain -= take
	}
}

// locate maps a logical rune position to a piece index and an offset inside
// that piece.
func (pt *PieceTable) locate(pos int) (idx, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
