package compose

import "sync"

// RevisionSource identifies who produced a draft revision.
type RevisionSource string

const (
	SourceManual   RevisionSource = "manual"
	SourceGenerate RevisionSource = "generated"
	SourceImprove  RevisionSource = "improved"
)

// Revision is one version of a draft body.
type Revision struct {
	Body   string
	Source RevisionSource
}

// defaultMaxRevisions bounds the undo history of a draft.
const defaultMaxRevisions = 20

// Draft is the in-progress body of one composition, with a bounded undo
// history. Nothing in a Draft is persisted until the session finalizes.
type Draft struct {
	mu           sync.Mutex
	revisions    []Revision
	maxRevisions int
	aiTouched    bool
}

// NewDraft creates an empty draft holding at most the last 20 revisions.
func NewDraft() *Draft {
	return &Draft{
		revisions:    make([]Revision, 0, defaultMaxRevisions),
		maxRevisions: defaultMaxRevisions,
	}
}

// Apply records body as the current revision. The oldest revisions are
// dropped once the history is full, always keeping the first one.
func (d *Draft) Apply(body string, source RevisionSource) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.revisions); n > 0 && d.revisions[n-1].Body == body {
		return
	}

	d.revisions = append(d.revisions, Revision{Body: body, Source: source})
	if source != SourceManual {
		d.aiTouched = true
	}

	if len(d.revisions) > d.maxRevisions {
		trimmed := make([]Revision, 0, d.maxRevisions)
		trimmed = append(trimmed, d.revisions[0])
		excess := len(d.revisions) - d.maxRevisions
		trimmed = append(trimmed, d.revisions[1+excess:]...)
		d.revisions = trimmed
	}
}

// Body returns the current body, or "" for an empty draft.
func (d *Draft) Body() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.revisions) == 0 {
		return ""
	}
	return d.revisions[len(d.revisions)-1].Body
}

// Undo drops the current revision and returns the one before it.
// It reports false when there is nothing to undo.
func (d *Draft) Undo() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.revisions) < 2 {
		return "", false
	}
	d.revisions = d.revisions[:len(d.revisions)-1]
	return d.revisions[len(d.revisions)-1].Body, true
}

// IsAIGenerated reports whether the assistant produced or modified the
// body at any point in this session.
func (d *Draft) IsAIGenerated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aiTouched
}

// Revisions returns a copy of the revision history, oldest first.
func (d *Draft) Revisions() []Revision {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]Revision, len(d.revisions))
	copy(result, d.revisions)
	return result
}

// Reset clears the draft for a new composition.
func (d *Draft) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.revisions = d.revisions[:0]
	d.aiTouched = false
}
