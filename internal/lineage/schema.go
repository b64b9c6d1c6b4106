package lineage

// schemaVersion bumps whenever the table layout changes. The store refuses
// databases from a newer schema.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS requests (
    lineage_id   TEXT PRIMARY KEY,
    resource_key TEXT NOT NULL,
    content      TEXT NOT NULL,
    ordinal      INTEGER NOT NULL,
    source_tag   TEXT NOT NULL,
    created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_resource_key ON requests(resource_key);

CREATE TABLE IF NOT EXISTS versions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    lineage_id  TEXT NOT NULL REFERENCES requests(lineage_id) ON DELETE CASCADE,
    result_url  TEXT NOT NULL,
    failed      INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_versions_lineage_id ON versions(lineage_id);
`
