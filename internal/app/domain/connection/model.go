// Package connection defines configured database endpoints.
package connection

import "time"

// Engine identifies the database engine kind behind a connection.
type Engine string

const (
	EngineMySQL      Engine = "mysql"
	EnginePostgreSQL Engine = "postgresql"
)

// Connection is a configured database endpoint. Records are created and
// edited by the connection-management UI; the sync subsystem only updates
// LastSuccessfulSyncAt and creates rows when provisioning new targets.
type Connection struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Engine   Engine `json:"engine"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	// Password may be plaintext or the dashboard's iv:cipher hex encoding.
	Password   string `json:"-"`
	SSLEnabled bool   `json:"ssl_enabled"`
	// IsSample marks built-in demo endpoints, which are excluded from sync.
	IsSample bool `json:"is_sample"`

	LastSuccessfulSyncAt time.Time `json:"last_successful_sync_at,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
