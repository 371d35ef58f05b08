package workflow

import "context"

// schemaUnavailable is substituted when the schema fetcher fails. SQL
// generation still proceeds; the analyzer loop deals with the fallout.
const schemaUnavailable = "Schema information unavailable"

// retrieve attaches the current warehouse schema text to the state. On
// fetch failure it substitutes a placeholder; this step never fails the
// turn.
func (e *Engine) retrieve(ctx context.Context, s RunState) RunState {
	schema, err := e.cfg.SchemaFetcher.FetchSchema(ctx)
	if err != nil {
		e.log.Warn("workflow: schema fetch failed", "error", err)
		s.RelevantSchemas = schemaUnavailable
		return s
	}
	s.RelevantSchemas = schema
	return s
}
