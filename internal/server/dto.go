package server

import (
	"encoding/json"

	"shipline/internal/domain"
	"shipline/internal/engine"
)

// dataBody is the success envelope every endpoint responds with.
type dataBody[T any] struct {
	Data T `json:"data"`
}

func envelope[T any](v T) dataBody[T] {
	return dataBody[T]{Data: v}
}

// Request payloads

// LoginRequest is validated in the handler so both fields report one friendly
// error when missing.
type LoginRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// GenerationPayload is a generation as pushed by an origin workspace.
// GenerationID is the id it carries over there.
type GenerationPayload struct {
	GenerationID     string          `json:"generation_id,omitempty"`
	Version          string          `json:"version"`
	Description      string          `json:"description,omitempty"`
	Codename         string          `json:"codename,omitempty"`
	Status           string          `json:"status,omitempty" enum:"draft,promoted,active,abandoned"`
	PipelineTemplate string          `json:"pipeline_template,omitempty"`
	CreatedAt        string          `json:"created_at,omitempty" format:"date-time"`
	PromotedAt       *string         `json:"promoted_at,omitempty" format:"date-time"`
	CreatedBy        string          `json:"created_by,omitempty"`
	PromotedBy       *string         `json:"promoted_by,omitempty"`
	Changes          []ChangePayload `json:"changes,omitempty"`
}

type ChangePayload struct {
	ChangeID    string `json:"change_id"`
	Type        string `json:"type" enum:"add,fix,change,remove"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty" enum:"pending,in_progress,done"`
}

type EvolutionPayload struct {
	EvolutionID   string  `json:"evolution_id,omitempty"`
	ChangeID      string  `json:"change_id,omitempty"`
	Tag           string  `json:"tag"`
	Status        string  `json:"status,omitempty" enum:"pending,running,pass,fail"`
	PipelineRunID *string `json:"pipeline_run_id,omitempty"`
	StartedAt     string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedBy     string  `json:"created_by,omitempty"`
}

// Response payloads

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// GenerationResponse carries both ids: ID is this hub's key, GenerationID the
// origin workspace's.
type GenerationResponse struct {
	ID               string           `json:"id"`
	GenerationID     string           `json:"generation_id"`
	Version          string           `json:"version"`
	Description      string           `json:"description,omitempty"`
	Codename         string           `json:"codename,omitempty"`
	Status           string           `json:"status" enum:"draft,promoted,active,abandoned"`
	PipelineTemplate string           `json:"pipeline_template,omitempty"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	PromotedAt       *string          `json:"promoted_at,omitempty" format:"date-time"`
	CreatedBy        string           `json:"created_by,omitempty"`
	PromotedBy       *string          `json:"promoted_by,omitempty"`
	Changes          []ChangePayload  `json:"changes"`
}

type GenerationList struct {
	Generations []GenerationResponse `json:"generations"`
}

type EvolutionResponse struct {
	ID            string  `json:"id"`
	EvolutionID   string  `json:"evolution_id"`
	GenerationID  string  `json:"generation_id"`
	ChangeID      string  `json:"change_id"`
	Tag           string  `json:"tag"`
	Status        string  `json:"status" enum:"pending,running,pass,fail"`
	PipelineRunID *string `json:"pipeline_run_id,omitempty"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedBy     string  `json:"created_by,omitempty"`
}

type EvolutionList struct {
	Evolutions []EvolutionResponse `json:"evolutions"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type EventList struct {
	Events []EventResponse `json:"events"`
}

func generationResponse(g domain.Generation) GenerationResponse {
	origin := g.ID
	if g.RemoteID != nil {
		origin = *g.RemoteID
	}
	resp := GenerationResponse{
		ID:               g.ID,
		GenerationID:     origin,
		Version:          g.Version,
		Description:      g.Description,
		Codename:         g.Codename,
		Status:           g.Status,
		PipelineTemplate: g.PipelineTemplate,
		CreatedAt:        g.CreatedAt,
		PromotedAt:       g.PromotedAt,
		CreatedBy:        g.CreatedBy,
		PromotedBy:       g.PromotedBy,
		Changes:          []ChangePayload{},
	}
	for _, c := range g.Changes {
		resp.Changes = append(resp.Changes, ChangePayload{
			ChangeID:    c.ID,
			Type:        c.Type,
			Title:       c.Title,
			Description: c.Description,
			Status:      c.Status,
		})
	}
	return resp
}

func evolutionResponse(e domain.Evolution) EvolutionResponse {
	origin := e.ID
	if e.RemoteID != nil {
		origin = *e.RemoteID
	}
	return EvolutionResponse{
		ID:            e.ID,
		EvolutionID:   origin,
		GenerationID:  e.GenerationID,
		ChangeID:      e.ChangeID,
		Tag:           e.Tag,
		Status:        e.Status,
		PipelineRunID: e.PipelineRunID,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		CreatedBy:     e.CreatedBy,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func receiveGenerationParams(p GenerationPayload, actor string) engine.ReceiveGenerationParams {
	params := engine.ReceiveGenerationParams{
		OriginID:         p.GenerationID,
		Version:          p.Version,
		Description:      p.Description,
		Codename:         p.Codename,
		Status:           p.Status,
		PipelineTemplate: p.PipelineTemplate,
		CreatedAt:        p.CreatedAt,
		PromotedAt:       p.PromotedAt,
		CreatedBy:        p.CreatedBy,
		PromotedBy:       p.PromotedBy,
		Actor:            actor,
	}
	for _, c := range p.Changes {
		params.Changes = append(params.Changes, domain.Change{
			ID:          c.ChangeID,
			Type:        c.Type,
			Title:       c.Title,
			Description: c.Description,
			Status:      c.Status,
		})
	}
	return params
}

func receiveEvolutionParams(p EvolutionPayload, actor string) engine.ReceiveEvolutionParams {
	return engine.ReceiveEvolutionParams{
		OriginID:      p.EvolutionID,
		ChangeID:      p.ChangeID,
		Tag:           p.Tag,
		Status:        p.Status,
		PipelineRunID: p.PipelineRunID,
		StartedAt:     p.StartedAt,
		CompletedAt:   p.CompletedAt,
		CreatedBy:     p.CreatedBy,
		Actor:         actor,
	}
}
