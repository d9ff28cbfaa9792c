// Package events carries content-domain events (post publication, schedule
// changes, comment submission) from producers to workflow triggers.
package events
