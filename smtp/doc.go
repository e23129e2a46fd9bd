// Package smtp implements an RFC 5321 compliant SMTP server and client,
// used as the mail submission and transfer protocol for the tarn mail
// suite.
//
// # Server
//
// Create a server with a ServerConfig and a set of Callbacks for the
// events the caller cares about (message acceptance, authentication,
// recipient validation, and so on):
//
//	cfg := smtp.DefaultServerConfig()
//	cfg.Hostname = "mail.example.com"
//	cfg.Addr = ":25"
//	cfg.Callbacks = &smtp.Callbacks{
//	    OnRcptTo: func(ctx context.Context, conn *smtp.Connection, addr string) error {
//	        return nil
//	    },
//	    OnMessage: func(ctx context.Context, conn *smtp.Connection, mail *smtp.Mail) error {
//	        return store.Deliver(mail)
//	    },
//	}
//
//	server := smtp.NewServer(cfg)
//	if err := server.ListenAndServe(); err != nil && err != smtp.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// Call server.Shutdown(ctx) or server.Close() for graceful/immediate
// shutdown.
//
// # Client
//
// Client speaks one SMTP transaction per connection: dial, EHLO,
// opportunistic STARTTLS, then raw commands for MAIL FROM/RCPT TO and
// StreamData for the message body. The relay package builds outbound
// transactions this way rather than through a higher-level mail-object
// sender, since it already has the raw RFC 5321 bytes on hand:
//
//	client := smtp.NewClient(&smtp.ClientConfig{LocalName: "client.example.com"})
//	client.DialContext(ctx, "mx.example.com:25")
//	client.Hello()
//	if err := client.StartTLS(); err == nil {
//	    client.Hello()
//	}
//	client.RawCommand("MAIL FROM:<sender@example.com>")
//	client.RawCommand("RCPT TO:<recipient@example.com>")
//	client.StreamData(bytes.NewReader(messageBytes))
//	client.Quit()
//
// # Serialization
//
// Mail supports JSON round-tripping via ToJSON/FromJSON, used for
// diagnostics and logging rather than wire transmission.
//
// # Extensions
//
// Intrinsic (always enabled): ENHANCEDSTATUSCODES (RFC 2034), 8BITMIME
// (RFC 6152), SMTPUTF8 (RFC 6531), PIPELINING (RFC 2920), REQUIRETLS
// (RFC 8689, advertised after STARTTLS).
//
// Opt-in (set the matching ServerConfig field): STARTTLS (RFC 3207,
// TLSConfig), AUTH (RFC 4954, AuthMechanisms), SIZE (RFC 1870,
// MaxMessageSize), DSN (RFC 3461, EnableDSN), CHUNKING (RFC 3030,
// EnableChunking).
package smtp
