// Package models defines the core data structures for ImgurBot.
//
// It includes the seen-item, chunk and pending-action types shared by the
// store, queue and dispatch modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ActionState is the lifecycle state of a PendingAction.
type ActionState string

const (
	// ActionStateQueued means the action waits for dispatch (possibly behind a backoff).
	ActionStateQueued ActionState = "queued"
	// ActionStateInFlight means a dispatch worker owns the action.
	ActionStateInFlight ActionState = "in-flight"
	// ActionStateSucceeded means the remote side confirmed the action.
	ActionStateSucceeded ActionState = "succeeded"
	// ActionStateFailed means the action failed permanently or exhausted its retries.
	ActionStateFailed ActionState = "failed-permanent"
	// ActionStateCancelled means the action was drained without dispatch after
	// a sibling in its group failed permanently.
	ActionStateCancelled ActionState = "cancelled"
)

// IsTerminal reports whether no further transition can happen from s.
func (s ActionState) IsTerminal() bool {
	switch s {
	case ActionStateSucceeded, ActionStateFailed, ActionStateCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known action state.
func (s ActionState) IsValid() bool {
	switch s {
	case ActionStateQueued, ActionStateInFlight, ActionStateSucceeded, ActionStateFailed, ActionStateCancelled:
		return true
	}
	return false
}

// Validation errors for groups handed to the queue.
var (
	ErrEmptyItemID       = errors.New("item ID cannot be empty")
	ErrChunkOrder        = errors.New("group actions are not in sequence order")
	ErrChunkCountChanged = errors.New("chunk total does not match group size")
)

// SeenItem is a remote item the bot has already acted upon.
type SeenItem struct {
	ID          string    `json:"id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// TextChunk is one segment of an over-length message.
type TextChunk struct {
	SequenceIndex int `json:"sequence_index"`
	TotalChunks   int `json:"total_chunks"`
	// Body is the text to post, index marker included.
	Body string `json:"body"`
	// Content is Body without the index marker.
	Content string `json:"content"`
}

// PendingAction is one unit of work awaiting dispatch.
type PendingAction struct {
	ID        string      `json:"id"`
	GroupID   string      `json:"group_id"`
	ItemID    string      `json:"item_id"`
	Target    string      `json:"target"`
	Chunk     TextChunk   `json:"chunk"`
	Attempt   int         `json:"attempt"`
	State     ActionState `json:"state"`
	NotBefore time.Time   `json:"not_before"`
	LastError string      `json:"last_error,omitempty"`
	Seq       int64       `json:"seq"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ActionGroup is the set of actions derived from one source item. The item
// is committed as seen only once every action has succeeded.
type ActionGroup struct {
	// ID is unique per enqueue; a retried item gets a fresh group ID.
	ID      string          `json:"id"`
	ItemID  string          `json:"item_id"`
	Target  string          `json:"target"`
	Actions []PendingAction `json:"actions"`
}

// NewActionGroup builds a group with one queued action per chunk. The queue
// assigns the group and action IDs on enqueue.
func NewActionGroup(itemID, target string, chunks []TextChunk) ActionGroup {
	g := ActionGroup{ItemID: itemID, Target: target}
	for _, c := range chunks {
		g.Actions = append(g.Actions, PendingAction{
			ItemID: itemID,
			Target: target,
			Chunk:  c,
			State:  ActionStateQueued,
		})
	}
	return g
}

// Validate checks the group's item and chunk ordering.
func (g ActionGroup) Validate() error {
	if g.ItemID == "" {
		return ErrEmptyItemID
	}
	for i, a := range g.Actions {
		if a.Chunk.SequenceIndex != i {
			return fmt.Errorf("%w: action %d has index %d", ErrChunkOrder, i, a.Chunk.SequenceIndex)
		}
		if a.Chunk.TotalChunks != len(g.Actions) {
			return fmt.Errorf("%w: chunk says %d, group has %d", ErrChunkCountChanged, a.Chunk.TotalChunks, len(g.Actions))
		}
	}
	return nil
}
