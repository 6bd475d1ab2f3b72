// Package docid derives deterministic document identifiers from record
// content.
//
// An identifier is a name-based (version 3, MD5) UUID computed over the
// canonical JSON serialization of a record. Canonical means:
//
//   - object keys are emitted in sorted order at every nesting level
//   - numbers keep the exact text they were decoded with (json.Number)
//   - strings use the standard JSON escaping
//
// Because the identifier depends only on content, writing the same record
// twice addresses the same document and the search engine overwrites instead
// of duplicating. Records that differ in any field produce different
// identifiers with the collision resistance of the underlying 128-bit digest.
//
// # Usage
//
//	id, err := docid.FromRecord(record)
//	if err != nil {
//	    return err
//	}
//	action := search.Action{ID: id.String(), ...}
package docid
