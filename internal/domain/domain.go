package domain

type Generation struct {
	ID               string   `json:"generation_id"`
	Version          string   `json:"version"`
	Description      string   `json:"description,omitempty"`
	Codename         string   `json:"codename,omitempty"`
	Status           string   `json:"status" enum:"draft,promoted,active,abandoned"`
	PipelineTemplate string   `json:"pipeline_template,omitempty"`
	SyncStatus       string   `json:"sync_status" enum:"not_synced,syncing,synced,conflict,failed"`
	RemoteID         *string  `json:"remote_id,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	PromotedAt       *string  `json:"promoted_at,omitempty" format:"date-time"`
	CreatedBy        string   `json:"created_by,omitempty"`
	PromotedBy       *string  `json:"promoted_by,omitempty"`
	TeamID           *string  `json:"team_id,omitempty"`
	LastSyncedAt     *string  `json:"last_synced_at,omitempty" format:"date-time"`
	Changes          []Change `json:"changes,omitempty"`
}

type Change struct {
	ID           string   `json:"id"`
	GenerationID string   `json:"generation_id"`
	Type         string   `json:"type" enum:"add,fix,change,remove"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status" enum:"pending,in_progress,done"`
	Pipeline     *string  `json:"pipeline,omitempty"`
	Pipelines    []string `json:"pipelines,omitempty"`
}

type Evolution struct {
	ID            string  `json:"evolution_id"`
	GenerationID  string  `json:"generation_id"`
	ChangeID      string  `json:"change_id"`
	Tag           string  `json:"tag"`
	Status        string  `json:"status" enum:"pending,running,pass,fail"`
	PipelineRunID *string `json:"pipeline_run_id,omitempty"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	SyncStatus    string  `json:"sync_status" enum:"not_synced,syncing,synced,conflict,failed"`
	RemoteID      *string `json:"remote_id,omitempty"`
	LastSyncedAt  *string `json:"last_synced_at,omitempty" format:"date-time"`
	CreatedBy     string  `json:"created_by,omitempty"`
}

type ChangePipeline struct {
	ChangeID     string `json:"change_id"`
	GenerationID string `json:"generation_id"`
	PipelineName string `json:"pipeline_name"`
	IsPrimary    bool   `json:"is_primary"`
	CreatedBy    string `json:"created_by,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string  `json:"id"`
	Name       string  `json:"name,omitempty"`
	KeyID      string  `json:"key_id"`
	KeyHash    string  `json:"key_hash"`
	Secret     string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
