package core

// Sender pushes a dispatch intent onto a gateway connection.
// Owned by the adapter; fails fast when the connection is not ready.
type Sender interface {
	Send(d Dispatch) error
}
