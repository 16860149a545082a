package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"glowbridge.app/cloud/internal/email"
	"glowbridge.app/cloud/internal/logger"
	"glowbridge.app/cloud/license"
	"glowbridge.app/cloud/models"
)

const defaultProductID = "glowbridge_pro"

// Stripe consumes subscription-state-change events as opaque triggers for
// entitlement transitions. Checkout/billing business logic lives on
// Stripe's side; only the resulting grant, renewal, or revocation happens
// here.
func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger.Info("Stripe webhook received", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"method":      r.Method,
	})

	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event := stripe.Event{}
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Error("Failed to parse webhook JSON", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Skip signature verification in test mode
	if os.Getenv("TEST_MODE") == "true" {
		logger.Debug("Skipping webhook signature verification (test mode)")
	} else {
		signatureHeader := r.Header.Get("Stripe-Signature")
		event, err = webhook.ConstructEvent(payload, signatureHeader, s.webhookSecret)
		if err != nil {
			logger.Error("Webhook signature verification failed", map[string]interface{}{
				"error": err.Error(),
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	switch event.Type {
	case "checkout.session.completed":
		var checkoutSession stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkoutSession); err != nil {
			logger.Error("Failed to unmarshal checkout session", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := s.handleCheckoutComplete(ctx, &checkoutSession); err != nil {
			logger.Error("Failed to handle checkout completion", map[string]interface{}{
				"error":      err.Error(),
				"session_id": checkoutSession.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "invoice.paid":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			logger.Error("Failed to unmarshal invoice", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := s.handleInvoicePaid(ctx, &invoice); err != nil {
			logger.Error("Failed to handle invoice payment", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "customer.subscription.deleted":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			logger.Error("Failed to unmarshal subscription", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := s.handleSubscriptionCanceled(ctx, &subscription); err != nil {
			logger.Error("Failed to handle subscription cancellation", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	default:
		logger.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"received": "true"}); err != nil {
		logger.Error("Failed to encode webhook response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) handleCheckoutComplete(ctx context.Context, checkout *stripe.CheckoutSession) error {
	subject := checkoutEmail(checkout)
	if subject == "" {
		return fmt.Errorf("checkout session %s carries no customer email", checkout.ID)
	}

	req := grantFromMetadata(subject, checkout.Metadata)

	ent, token, err := s.Issuer.Issue(ctx, req)
	if err != nil {
		return fmt.Errorf("issue entitlement: %w", err)
	}

	logger.Info("Entitlement issued from checkout", map[string]interface{}{
		"entitlement_id": ent.ID,
		"subject":        subject,
		"plan":           string(ent.Plan),
		"session_id":     checkout.ID,
	})

	if err := s.sendLicenseEmail(subject, token); err != nil {
		// License exists and is valid; delivery failure is not a reason to
		// fail the webhook and trigger Stripe retries.
		logger.Error("Failed to send license email", map[string]interface{}{
			"error":          err.Error(),
			"subject":        subject,
			"entitlement_id": ent.ID,
		})
	}

	return nil
}

func (s *Server) handleInvoicePaid(ctx context.Context, invoice *stripe.Invoice) error {
	subject := invoice.CustomerEmail
	if subject == "" {
		logger.Warn("Invoice without customer email, skipping renewal", map[string]interface{}{
			"invoice_id": invoice.ID,
		})
		return nil
	}

	req := grantFromMetadata(subject, invoice.Metadata)
	req.Renewal = true

	ent, _, err := s.Issuer.Issue(ctx, req)
	if err != nil {
		return fmt.Errorf("renew entitlement: %w", err)
	}

	logger.Info("Entitlement renewed from invoice", map[string]interface{}{
		"entitlement_id": ent.ID,
		"subject":        subject,
		"plan":           string(ent.Plan),
	})
	return nil
}

func (s *Server) handleSubscriptionCanceled(ctx context.Context, subscription *stripe.Subscription) error {
	subject := subscription.Metadata["subject"]
	productID := subscription.Metadata["product_id"]
	if productID == "" {
		productID = defaultProductID
	}
	if subject == "" {
		logger.Warn("Subscription without subject metadata, cannot revoke", map[string]interface{}{
			"subscription_id": subscription.ID,
		})
		return nil
	}

	ent, err := s.Storage.FindEntitlementBySubjectProduct(ctx, subject, productID)
	if err != nil {
		return fmt.Errorf("lookup entitlement: %w", err)
	}
	if ent == nil {
		logger.Warn("No entitlement for canceled subscription", map[string]interface{}{
			"subject":    subject,
			"product_id": productID,
		})
		return nil
	}

	if err := s.Storage.Revoke(ctx, ent.ID, "subscription_canceled"); err != nil {
		return fmt.Errorf("revoke entitlement: %w", err)
	}
	dropped := s.Sessions.RevokeEntitlement(ent.ID)

	logger.Info("Entitlement revoked for canceled subscription", map[string]interface{}{
		"entitlement_id":   ent.ID,
		"subject":          subject,
		"sessions_dropped": dropped,
	})
	return nil
}

func checkoutEmail(checkout *stripe.CheckoutSession) string {
	if checkout.CustomerDetails != nil && checkout.CustomerDetails.Email != "" {
		return checkout.CustomerDetails.Email
	}
	return checkout.CustomerEmail
}

// grantFromMetadata maps the opaque webhook metadata onto a grant request.
// Unknown or missing plans default to monthly, matching the checkout
// product configuration.
func grantFromMetadata(subject string, metadata map[string]string) license.GrantRequest {
	plan := models.Plan(metadata["plan"])
	if !plan.Valid() {
		plan = models.PlanMonthly
	}

	productID := metadata["product_id"]
	if productID == "" {
		productID = defaultProductID
	}

	req := license.GrantRequest{
		Subject:   subject,
		ProductID: productID,
		Plan:      plan,
	}

	if raw := metadata["max_devices"]; raw != "" {
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err == nil && n > 0 {
			req.MaxDevices = n
		}
	}

	return req
}

func (s *Server) sendLicenseEmail(to string, token *models.SignedToken) error {
	licenseFile, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}

	expiry := "never"
	if token.License.ExpiresAt != nil {
		expiry = token.License.ExpiresAt.Format(time.RFC1123)
	}

	body := fmt.Sprintf(`Hello,

Thank you for purchasing Glowbridge Pro! Your license is ready.

LICENSE DETAILS
License ID: %s
Plan: %s
Valid until: %s

GETTING STARTED
1. Open Glowbridge on your computer
2. Go to Settings -> License
3. Import the license file below, or log in with this email address

LICENSE FILE
%s

NEED HELP?
Reply to this email or contact us at help@glowbridge.app

Best regards,
The Glowbridge Team`,
		token.License.LicenseID,
		token.License.Plan,
		expiry,
		string(licenseFile))

	return email.Send(to, "Your Glowbridge Pro License", body)
}
