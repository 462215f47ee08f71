// Package incident holds the domain model for Argus: incidents and
// their lifecycle, interned tags and their reconciliation rules,
// source systems, timeline events, and acknowledgements.
package incident
