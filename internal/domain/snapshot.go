package domain

import (
	"encoding/json"
	"time"
)

// EvolutionSettings mirrors the knobs a UI session ran with
type EvolutionSettings struct {
	PopulationSize int     `json:"populationSize"`
	Generations    int     `json:"generations"`
	MutationRate   float64 `json:"mutationRate"`
	CrossoverRate  float64 `json:"crossoverRate"`
}

// Snapshot is a saved view of a UI evolution session
type Snapshot struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	SnapshotType       string            `json:"snapshot_type"`
	Generation         int               `json:"generation"`
	Problem            string            `json:"problem"`
	Criteria           []Criterion       `json:"criteria"`
	Config             EvolutionSettings `json:"config"`
	Population         []Solution        `json:"population"`
	GenerationsData    []json.RawMessage `json:"generations_data"`
	Champion           *Solution         `json:"champion"`
	ChampionGeneration *int              `json:"champion_generation"`
	BestFitness        float64           `json:"best_fitness"`
	SessionID          string            `json:"session_id"`
	CreatedAt          time.Time         `json:"created_date"`
}
