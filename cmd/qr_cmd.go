package cmd

import (
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nodelink/internal/codec"
	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/trust"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

func qrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Inspect or generate pairing QR payloads",
	}
	cmd.AddCommand(qrDecodeCmd())
	cmd.AddCommand(qrEncodeCmd())
	return cmd
}

func qrDecodeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "decode [payload]",
		Short: "Decode a QR payload (secrets masked)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args, file)
			if err != nil {
				return err
			}
			qr, err := codec.DecodeQRString(payload)
			if err != nil {
				return err
			}

			perms := make([]string, len(qr.PairingCode.Permissions))
			for i, p := range qr.PairingCode.Permissions {
				perms[i] = p.String()
			}
			out := map[string]any{
				"version":        qr.Version,
				"pairingCodeId":  qr.PairingCode.ID,
				"permissions":    perms,
				"webSocketUrl":   qr.WebSocketURL,
				"tlsFingerprint": nodeerr.Mask(qr.TLSFingerprint),
				"hasTorSecret":   qr.TorClientAuthSecret != "",
			}
			if api, err := protocol.APIBaseURL(qr.WebSocketURL); err == nil {
				out["apiUrl"] = api
			}
			if exp := qr.PairingCode.ExpiresAt; !exp.IsZero() {
				out["expiresAt"] = exp.Format(time.RFC3339)
				out["expired"] = qr.PairingCode.Expired(time.Now())
			}
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file ('-' for stdin)")
	return cmd
}

func qrEncodeCmd() *cobra.Command {
	var (
		wsURL       string
		codeID      string
		ttl         time.Duration
		permissions []string
		fingerprint string
		certFile    string
		torSecret   string
		pngPath     string
		size        int
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Build a pairing QR payload (for testing a node setup)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if certFile != "" {
				fp, err := certFingerprint(certFile)
				if err != nil {
					return err
				}
				fingerprint = fp
			}

			code := codec.PairingCode{Version: codec.PairingCodeVersion, ID: codeID}
			if ttl > 0 {
				code.ExpiresAt = time.Now().Add(ttl)
			}
			for _, name := range permissions {
				p, err := codec.ParsePermission(name)
				if err != nil {
					return err
				}
				code.Permissions = append(code.Permissions, p)
			}

			payload, err := codec.EncodeQRString(codec.PairingQRCode{
				Version:             codec.QRCodeVersion,
				PairingCode:         code,
				WebSocketURL:        wsURL,
				TLSFingerprint:      fingerprint,
				TorClientAuthSecret: torSecret,
			})
			if err != nil {
				return err
			}

			fmt.Println(payload)
			if pngPath != "" {
				if err := codec.WritePNG(payload, pngPath, size); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "QR image written to %s\n", pngPath)
				return nil
			}
			art, err := codec.Terminal(payload)
			if err != nil {
				return err
			}
			fmt.Print(art)
			return nil
		},
	}
	cmd.Flags().StringVar(&wsURL, "url", "", "node websocket url, e.g. wss://node.local:8090")
	cmd.Flags().StringVar(&codeID, "code-id", "", "pairing code id issued by the node")
	cmd.Flags().DurationVar(&ttl, "ttl", 10*time.Minute, "pairing code lifetime (0 = no expiry)")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "granted permission (repeatable)")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "base64 SHA-256 of the node certificate")
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM certificate to compute the fingerprint from")
	cmd.Flags().StringVar(&torSecret, "tor-secret", "", "tor client authorization secret")
	cmd.Flags().StringVar(&pngPath, "png", "", "write a PNG instead of printing to the terminal")
	cmd.Flags().IntVar(&size, "size", 512, "PNG size in pixels")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("code-id")
	return cmd
}

// certFingerprint reads the first certificate in a PEM file.
func certFingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return "", fmt.Errorf("no certificate in %s", path)
		}
		if block.Type == "CERTIFICATE" {
			return trust.Fingerprint(block.Bytes), nil
		}
	}
}
