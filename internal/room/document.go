package room

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"tandem/api/internal/fracindex"
)

// Document is the replicated state a room's sessions edit together. Apply
// merges an update blob; the merge is commutative and idempotent, so any
// receipt order converges to the same state. Snapshot returns the full state
// encoded as an update blob that Apply accepts, which is what lets a fresh
// session (or a rehydrated room) catch up with a single merge.
type Document interface {
	Apply(update []byte) error
	Snapshot() []byte
}

// Shape constructs the document for a new room. The shape is fixed per
// registry, not chosen per request; the room id is available for shapes that
// scope their content (a page-scoped block list, for instance).
type Shape func(roomID string) Document

// lwwValue is a last-writer-wins register. Ties on version break on actor id
// so replicas agree without coordination.
type lwwValue struct {
	Value   string `json:"value"`
	Version int64  `json:"version"`
	Actor   string `json:"actor"`
}

func (v lwwValue) newerThan(o lwwValue) bool {
	if v.Version != o.Version {
		return v.Version > o.Version
	}
	return v.Actor > o.Actor
}

func mergeValue(dst *lwwValue, src *lwwValue) {
	if src == nil {
		return
	}
	if src.newerThan(*dst) {
		*dst = *src
	}
}

// TextDocument is a set of named last-writer-wins text fields.
type TextDocument struct {
	fields map[string]lwwValue
}

// NewTextDocument returns an empty text document.
func NewTextDocument() *TextDocument {
	return &TextDocument{fields: make(map[string]lwwValue)}
}

type textUpdate struct {
	Fields map[string]lwwValue `json:"fields"`
}

func (d *TextDocument) Apply(update []byte) error {
	var u textUpdate
	if err := json.Unmarshal(update, &u); err != nil {
		return fmt.Errorf("decode text update: %w", err)
	}
	if len(u.Fields) == 0 {
		return fmt.Errorf("text update carries no fields")
	}
	for name, incoming := range u.Fields {
		if name == "" || incoming.Version <= 0 {
			return fmt.Errorf("text update field %q is malformed", name)
		}
	}
	for name, incoming := range u.Fields {
		current := d.fields[name]
		if incoming.newerThan(current) {
			d.fields[name] = incoming
		}
	}
	return nil
}

func (d *TextDocument) Snapshot() []byte {
	data, _ := json.Marshal(textUpdate{Fields: d.fields})
	return data
}

// Field returns the current value of a named field.
func (d *TextDocument) Field(name string) string {
	return d.fields[name].Value
}

// BlockDocument is an ordered list of question/answer blocks. Order is the
// lexicographic order of each block's sort key; blocks are removed by
// tombstone so concurrent edits to a deleted block stay convergent.
type BlockDocument struct {
	pageID string
	blocks map[string]*blockState
}

type blockState struct {
	ID       string    `json:"id"`
	Question *lwwValue `json:"question,omitempty"`
	Answer   *lwwValue `json:"answer,omitempty"`
	SortKey  *lwwValue `json:"sortKey,omitempty"`
	Deleted  *lwwValue `json:"deleted,omitempty"`
}

// Block is the materialized view of a live block, in display order fields.
type Block struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	SortKey  string `json:"sortKey"`
}

// NewBlockDocument returns an empty block document for the given page.
func NewBlockDocument(pageID string) *BlockDocument {
	return &BlockDocument{pageID: pageID, blocks: make(map[string]*blockState)}
}

type blockUpdate struct {
	Blocks []blockState `json:"blocks"`
}

func (d *BlockDocument) Apply(update []byte) error {
	var u blockUpdate
	if err := json.Unmarshal(update, &u); err != nil {
		return fmt.Errorf("decode block update: %w", err)
	}
	if len(u.Blocks) == 0 {
		return fmt.Errorf("block update carries no blocks")
	}
	for _, incoming := range u.Blocks {
		if _, err := uuid.Parse(incoming.ID); err != nil {
			return fmt.Errorf("block update has invalid block id %q", incoming.ID)
		}
	}
	for _, incoming := range u.Blocks {
		current, ok := d.blocks[incoming.ID]
		if !ok {
			current = &blockState{ID: incoming.ID}
			d.blocks[incoming.ID] = current
		}
		mergeBlockValue(&current.Question, incoming.Question)
		mergeBlockValue(&current.Answer, incoming.Answer)
		mergeBlockValue(&current.SortKey, incoming.SortKey)
		mergeBlockValue(&current.Deleted, incoming.Deleted)
	}
	return nil
}

func mergeBlockValue(dst **lwwValue, src *lwwValue) {
	if src == nil {
		return
	}
	if *dst == nil {
		copied := *src
		*dst = &copied
		return
	}
	mergeValue(*dst, src)
}

func (d *BlockDocument) Snapshot() []byte {
	states := make([]blockState, 0, len(d.blocks))
	for _, b := range d.blocks {
		states = append(states, *b)
	}
	states = fracindex.SortByKey(states, blockStateOrderKey)
	data, _ := json.Marshal(blockUpdate{Blocks: states})
	return data
}

// PageID reports which page this document edits.
func (d *BlockDocument) PageID() string {
	return d.pageID
}

// OrderedBlocks returns the live (non-deleted) blocks in canonical order:
// ascending by sort key, ties broken by block id so every replica agrees.
func (d *BlockDocument) OrderedBlocks() []Block {
	out := make([]Block, 0, len(d.blocks))
	for _, b := range d.blocks {
		if b.Deleted != nil && b.Deleted.Value == "1" {
			continue
		}
		out = append(out, Block{
			ID:       b.ID,
			Question: valueOf(b.Question),
			Answer:   valueOf(b.Answer),
			SortKey:  valueOf(b.SortKey),
		})
	}
	return fracindex.SortByKey(out, func(b Block) string {
		return b.SortKey + "." + b.ID
	})
}

func blockStateOrderKey(b blockState) string {
	return valueOf(b.SortKey) + "." + b.ID
}

func valueOf(v *lwwValue) string {
	if v == nil {
		return ""
	}
	return v.Value
}
