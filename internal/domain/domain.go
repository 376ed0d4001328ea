package domain

type Feature struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Story struct {
	Code           string  `json:"code"`
	FeatureCode    string  `json:"feature_code"`
	Seq            int     `json:"seq"`
	Title          string  `json:"title"`
	Status         string  `json:"status" enum:"draft,ready,in_progress,done,cancelled"`
	ExtensionsJSON *string `json:"extensions_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// AgentDefinition is a registered (role, base name, scope) triple. A nil
// StoryCode means the definition is global.
type AgentDefinition struct {
	ID        string  `json:"id"`
	Role      string  `json:"role"`
	Name      string  `json:"name"`
	StoryCode *string `json:"story_code,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string  `json:"id"`
	StoryCode       string  `json:"story_code"`
	Title           string  `json:"title"`
	Assignee        *string `json:"assignee,omitempty"`
	Status          string  `json:"status" enum:"todo,in_progress,completed,cancelled"`
	RetrospectiveID *string `json:"retrospective_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

type Retrospective struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	StoryCode string `json:"story_code"`
	Summary   string `json:"summary"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActivityEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	StoryCode  string `json:"story_code,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Actor     string `json:"actor"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
