// Package extraction defines the host-side domain types shared by the
// sandbox runtime, the fetch pipeline, and the HTTP API: extraction requests
// and modes, the extracted Document, the closed failure taxonomy, and the
// collaborator interfaces (stores, publisher, fetcher, clock, ids).
package extraction
