/*
Package enrollment keeps the table of transmitters trusted by a receiver.

Each Record maps a transmitter's public key to the ECDH shared secret established when it paired,
so that a reconnecting transmitter can resume its session without a new handshake. The table
holds at most MaxPairedDevices records; see Policy for what happens when a new transmitter pairs
with a full table.

Records are persisted through a SecureStore, which must protect them at rest. Use NewKeyringStore
for the operating system's credential storage (or an encrypted file), and NewMemoryStore in
tests.
*/
package enrollment
