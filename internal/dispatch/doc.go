// Package dispatch routes procedure calls by (module, procedure).
//
// On the Standalone and Server layers a registered handler is called in
// process. On the Client layer every call is sent as JSON over HTTP to the
// server returned by Path, which resolves it with Call.
package dispatch
