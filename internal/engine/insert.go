package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/codythatsme/i-migrate-sub000/internal/imis"
	"github.com/codythatsme/i-migrate-sub000/internal/models"
)

// BodyBuilder shapes one transformed row into the request payload a custom
// endpoint expects.
type BodyBuilder func(row map[string]interface{}) interface{}

// CustomEndpoint pairs a vendor endpoint path with the builder for its
// request body. Entity names with a registered endpoint bypass the generic
// entity insert entirely.
type CustomEndpoint struct {
	Path  string
	Build BodyBuilder
}

var (
	endpointsMu     sync.RWMutex
	customEndpoints = map[string]CustomEndpoint{}
)

// RegisterCustomEndpoint makes a destination entity name insertable through a
// vendor endpoint instead of the generic entity API. Call during startup,
// before any job runs.
func RegisterCustomEndpoint(entityName string, endpoint CustomEndpoint) {
	endpointsMu.Lock()
	defer endpointsMu.Unlock()
	customEndpoints[entityName] = endpoint
}

func lookupCustomEndpoint(entityName string) (CustomEndpoint, bool) {
	endpointsMu.RLock()
	defer endpointsMu.RUnlock()
	endpoint, ok := customEndpoints[entityName]
	return endpoint, ok
}

func init() {
	// Party inserts need the person contract, not the generic entity shape.
	RegisterCustomEndpoint("Party", CustomEndpoint{Path: "/api/Party", Build: partyBody})
}

func partyBody(row map[string]interface{}) interface{} {
	person := map[string]interface{}{
		"$type": "Asi.Soa.Membership.DataContracts.PersonData, Asi.Contracts",
		"PersonName": map[string]interface{}{
			"$type":     "Asi.Soa.Membership.DataContracts.PersonNameData, Asi.Contracts",
			"FirstName": row["FirstName"],
			"LastName":  row["LastName"],
		},
	}
	if email, ok := row["Email"].(string); ok && email != "" {
		person["Emails"] = map[string]interface{}{
			"$type": "Asi.Soa.Membership.DataContracts.EmailDataCollection, Asi.Contracts",
			"$values": []interface{}{
				map[string]interface{}{
					"Address":   email,
					"EmailType": "_Primary",
					"IsPrimary": true,
				},
			},
		}
	}
	return person
}

// checkDestination verifies the job's destination can actually accept
// inserts. A custom-endpoint job whose entity has no registration is a
// configuration defect caught before the job starts.
func checkDestination(job models.Job) error {
	switch job.DestinationKind {
	case models.DestinationKindBOEntity:
		return nil
	case models.DestinationKindCustomEndpoint:
		if _, ok := lookupCustomEndpoint(job.DestinationEntityType); !ok {
			return &MigrationError{
				Op:      "check destination",
				Message: fmt.Sprintf("no custom endpoint registered for entity %q", job.DestinationEntityType),
			}
		}
		return nil
	default:
		return &MigrationError{
			Op:      "check destination",
			Message: fmt.Sprintf("unknown destination kind %q", job.DestinationKind),
		}
	}
}

// insertRow dispatches one transformed row to the destination and returns the
// destination-assigned identity elements. The remote client applies its own
// bounded retry to transient failures; no retry is added here.
func (e *Engine) insertRow(ctx context.Context, env models.Environment, job models.Job, row map[string]interface{}) ([]string, error) {
	switch job.DestinationKind {
	case models.DestinationKindBOEntity:
		return e.client.InsertEntity(ctx, env, job.DestinationEntityType, imis.ParentTypeStandalone, "", row)
	case models.DestinationKindCustomEndpoint:
		endpoint, ok := lookupCustomEndpoint(job.DestinationEntityType)
		if !ok {
			return nil, &MigrationError{
				Op:      "insert row",
				Message: fmt.Sprintf("no custom endpoint registered for entity %q", job.DestinationEntityType),
			}
		}
		return e.client.InsertCustomEndpoint(ctx, env, endpoint.Path, endpoint.Build(row))
	default:
		return nil, &MigrationError{
			Op:      "insert row",
			Message: fmt.Sprintf("unknown destination kind %q", job.DestinationKind),
		}
	}
}
