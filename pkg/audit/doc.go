// Package audit is the append-only administrative event log.
//
// Entries are written once through Store.Append. Other components never
// call the store directly; they hand entries to a Recorder, which logs and
// drops failures so an unavailable event log can never fail the action that
// produced the entry.
//
// Reads and bulk deletion go through Service, which enforces access:
//
//   - List and ExportCSV require global role admin or higher. A principal
//     below superadmin only sees its own sites: the requested tenant filter
//     is intersected with the principal's site ids, never widened.
//   - DeleteMany requires superadmin. A broad filter (no user, action,
//     entity type or date range) matching more than 100 rows fails with
//     *TooBroadError. After deleting, the filter is counted again and any
//     rows that appeared concurrently are reported in DeleteResult.Warning.
//
// When an Archiver is configured, DeleteMany uploads the matching rows as CSV
// before removing them.
package audit
