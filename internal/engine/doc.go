// Package engine sequences synchronization sessions.
//
// An Agent runs a session on a client against a transport.Server. The
// server side is a RemoteOrchestrator, reached in process or over HTTP.
//
// Session flow:
//
//  1. Handshake: the client fetches the server's scope definition and
//     provisions itself from it when needed.
//  2. Outdated check: a client whose server watermark predates the
//     server's last metadata cleanup must reinitialize.
//  3. Rows that failed with RetryOnNextSync in the previous session are
//     applied again.
//  4. Upload: local changes since the client watermark are selected,
//     uploaded part by part and applied by the server.
//  5. Download: the server selects its changes since the client's server
//     watermark and the client applies them.
//  6. Both watermarks advance to the clock values read when selection
//     started, and only when the session succeeded.
//
// WATERMARKS:
//
// A client keeps two: LastSyncTimestamp on its own clock (changes already
// uploaded) and LastServerSyncTimestamp on the server clock (changes
// already downloaded). The server keeps, per client, the server watermark
// the client confirmed; the minimum of those bounds metadata cleanup.
package engine
