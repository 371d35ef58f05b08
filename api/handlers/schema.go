package handlers

import (
	"encoding/json"
	"net/http"
)

// SchemaResponse carries the formatted warehouse schema text the SQL
// generation prompt sees.
type SchemaResponse struct {
	Schema string `json:"schema"`
}

// GetSchema returns the warehouse schema as readable text.
func GetSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := NewDBSchemaFetcher().FetchSchema(r.Context())
	if err != nil {
		http.Error(w, internalError("Failed to fetch schema", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SchemaResponse{Schema: schema})
}
