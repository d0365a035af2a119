package programdb

const schema = `
CREATE TABLE IF NOT EXISTS programs (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    code TEXT NOT NULL,
    generation INTEGER NOT NULL,
    combined_score REAL NOT NULL,
    public_metrics TEXT,
    private_metrics TEXT,
    parent_ids TEXT,
    mutation TEXT,
    text_feedback TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_programs_rank ON programs(combined_score DESC, generation ASC, seq ASC);
CREATE INDEX IF NOT EXISTS idx_programs_generation ON programs(generation);
`

const selectColumns = `id, code, generation, combined_score, public_metrics, private_metrics, parent_ids, mutation, text_feedback, created_at`

// rankOrder puts the best candidate first; equal scores go to the earlier
// generation, then to the earlier insert.
const rankOrder = ` ORDER BY combined_score DESC, generation ASC, seq ASC`
