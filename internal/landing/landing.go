package landing

import (
	"time"

	"github.com/dugrema/millegrilles-landing/internal/message"
)

// Domain name and storage layout.
const (
	DomainName             = "Landing"
	CollectionTransactions = DomainName
	CollectionApplications = "Landing/applications"

	// IndexApplications is the unique index on application_id.
	IndexApplications = "applications"
)

// Queues the domain consumes.
const (
	QueueVolatile     = "Landing/volatils"
	QueueTransactions = "Landing/transactions"
	QueueTriggers     = "Landing/triggers"
)

// Actions.
const (
	ActionCreateApplication = "creerNouvelleApplication"
	ActionSaveApplication   = "sauvegarderApplication"
	QueryListApplications   = "getListeApplications"
	QueryGetApplication     = "getApplication"
	EventApplicationUpdated = "applicationMaj"
)

// Stored field names.
const (
	FieldApplicationID = "application_id"
	FieldUserID        = "user_id"
	FieldName          = "name"
	FieldActive        = "active"
	FieldCreated       = "created_at"
	FieldModified      = "modified_at"
)

// Paging defaults of getListeApplications.
const (
	DefaultListLimit = 100
	DefaultListSkip  = 0
)

// UpdatedTopic is the topic of the event published after each applied write.
var UpdatedTopic = message.RoutingKey(message.CategoryEvent, DomainName, EventApplicationUpdated)

// TransactionCollections lists the transaction log collections owned by the
// domain, for resubmission.
func TransactionCollections() []string {
	return []string{CollectionTransactions}
}

// Application is a stored application record.
type Application struct {
	ApplicationID string    `json:"application_id"`
	UserID        string    `json:"user_id"`
	Name          *string   `json:"name"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	ModifiedAt    time.Time `json:"modified_at"`
}
