// Package schema defines the records the offline engine persists.
//
// # Overview
//
// Every cached entity is a flat JSON document identified by a stable key and
// stored in a named collection. Writes are upserts: a later Put with the same
// key replaces the earlier document wholesale, there is no field merge.
//
// # Collections
//
//	lessons     key id   indexes courseId
//	courses     key id   indexes subjectId
//	subjects    key id
//	progress    key id   indexes studentId, lessonId
//	sync_queue  key auto-increment id, indexed by enqueuedAt
//
// Index names are the JSON field names of the stored document, so a lookup
// by "courseId" matches every lesson whose "courseId" field equals the value.
//
// # Sync items
//
// SyncItem is one pending write waiting for the remote backend. Its payload is
// opaque to the engine: the orchestrator hands it to the backend untouched.
//
// Example:
//
//	item := schema.SyncItem{
//	    Kind:    schema.KindProgress,
//	    Action:  schema.ActionUpsert,
//	    Payload: json.RawMessage(`{"student":"s1","lesson":"l1","score":90}`),
//	}
package schema
