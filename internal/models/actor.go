package models

// ActorType distinguishes a human operator from an automated process.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
)

// Actor is the identity on whose behalf a mutation is attempted.
// It comes from the authentication layer; the core never resolves it itself.
type Actor struct {
	ID   int       `json:"id"`
	Type ActorType `json:"type"`
	Role string    `json:"role"`
}
