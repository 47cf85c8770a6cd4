package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

// formatNodeError turns an error into a message safe to show the user.
// Never expose raw node payloads or credentials.
func formatNodeError(err error) string {
	if errors.Is(err, context.Canceled) {
		return "Interrupted."
	}

	switch nodeerr.KindOf(err) {
	case nodeerr.KindTrust:
		if nodeerr.ReasonOf(err) == nodeerr.ReasonSANMismatch {
			return "The node's certificate does not name this host. Check the address in the QR code."
		}
		return "The node's certificate does not match the pinned fingerprint. Someone may be intercepting the connection; do not continue."

	case nodeerr.KindAuth:
		switch nodeerr.ReasonOf(err) {
		case nodeerr.ReasonRepairingRequired:
			return "This client is no longer authorized. Pair again with `nodelink pair`."
		case nodeerr.ReasonAccessDenied:
			return "The node denied access to this API."
		case nodeerr.ReasonCredentialsRejected:
			return "The node rejected this client's credentials."
		}
		return "Authentication with the node failed."

	case nodeerr.KindPairing:
		if nodeerr.ReasonOf(err) == nodeerr.ReasonCodeExpired {
			return "The pairing code has expired. Generate a new QR code on the node."
		}
		return "The node rejected the pairing code."

	case nodeerr.KindFormat:
		return "Malformed data: " + nodeerr.Scrub(messageOf(err))

	case nodeerr.KindTransport:
		switch nodeerr.ReasonOf(err) {
		case nodeerr.ReasonTimeout:
			return "The node did not answer in time. Please try again."
		case nodeerr.ReasonNotConnected, nodeerr.ReasonConnectionLost:
			return "Not connected to the node."
		}
		return "Could not reach the node: " + nodeerr.Scrub(err.Error())
	}

	slog.Debug("unclassified error", "error", nodeerr.Scrub(err.Error()))
	return nodeerr.Scrub(err.Error())
}

func messageOf(err error) string {
	var e *nodeerr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
