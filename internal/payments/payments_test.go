package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v74"

	"github.com/example/ride-dispatch/internal/models"
)

func sign(secret string, payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(typ, tripID string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"api_version":"2022-11-15",`+
		`"data":{"object":{"id":"pi_1","object":"payment_intent","metadata":{"trip_id":%q}}}}`, typ, tripID))
}

func TestStripeWebhookSucceeded(t *testing.T) {
	g := &StripeGateway{webhookSecret: "whsec_test"}
	payload := stripeEvent("payment_intent.succeeded", "trip-1")
	res, ok, err := g.ParseWebhook(payload, sign("whsec_test", payload))
	if err != nil || !ok {
		t.Fatalf("parse: ok=%v err=%v", ok, err)
	}
	if res.TripID != "trip-1" || res.Status != models.PaymentSucceeded || res.Reference != "pi_1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStripeWebhookFailedAndIgnored(t *testing.T) {
	g := &StripeGateway{webhookSecret: "whsec_test"}
	payload := stripeEvent("payment_intent.payment_failed", "trip-2")
	res, ok, err := g.ParseWebhook(payload, sign("whsec_test", payload))
	if err != nil || !ok || res.Status != models.PaymentFailed {
		t.Fatalf("expected failed outcome, got %+v ok=%v err=%v", res, ok, err)
	}

	payload = stripeEvent("charge.refunded", "trip-2")
	if _, ok, err := g.ParseWebhook(payload, sign("whsec_test", payload)); ok || err != nil {
		t.Fatalf("expected event to be ignored, ok=%v err=%v", ok, err)
	}
}

func TestStripeWebhookBadSignature(t *testing.T) {
	g := &StripeGateway{webhookSecret: "whsec_test"}
	payload := stripeEvent("payment_intent.succeeded", "trip-1")
	_, _, err := g.ParseWebhook(payload, sign("other", payload))
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestJSONWebhook(t *testing.T) {
	res, ok, err := JSONWebhook{}.ParseWebhook([]byte(`{"trip_id":"t1","status":"failed"}`), "")
	if err != nil || !ok || res.Status != models.PaymentFailed {
		t.Fatalf("unexpected %+v %v %v", res, ok, err)
	}
	for _, body := range []string{`{`, `{"trip_id":"t1","status":"pending"}`, `{"status":"succeeded"}`} {
		if _, _, err := (JSONWebhook{}).ParseWebhook([]byte(body), ""); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", body, err)
		}
	}
}

func TestNopGatewayCharges(t *testing.T) {
	ref, err := NopGateway{}.Charge(context.Background(), models.Trip{ID: "t1"})
	if err != nil || !strings.HasPrefix(ref, "nop_") {
		t.Fatalf("unexpected ref %q err %v", ref, err)
	}
}

func TestStripeChargeRequiresFinalFare(t *testing.T) {
	_, err := (&StripeGateway{}).Charge(context.Background(), models.Trip{ID: "t1"})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type stripeCall struct {
	method, path string
	form         url.Values
}

// fakeStripe serves the customer search, payment intent create and capture
// endpoints and records what was sent.
type fakeStripe struct {
	mu        sync.Mutex
	calls     []stripeCall
	customers string
	status    string
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, stripeCall{method: r.Method, path: r.URL.Path, form: r.Form})
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/v1/customers/search":
		fmt.Fprintf(w, `{"object":"search_result","url":"/v1/customers/search","has_more":false,"data":[%s]}`, f.customers)
	case r.URL.Path == "/v1/payment_intents":
		fmt.Fprintf(w, `{"id":"pi_1","object":"payment_intent","status":%q}`, f.status)
	case strings.HasPrefix(r.URL.Path, "/v1/payment_intents/pi_1/"):
		fmt.Fprint(w, `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeStripe) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.method+" "+c.path)
	}
	return out
}

func withStripe(t *testing.T, f *fakeStripe) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(f)
	retries := int64(0)
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: &retries,
	}))
	g := NewStripeGateway("sk_test_123", "")
	t.Cleanup(func() {
		stripe.SetBackend(stripe.APIBackend, nil)
		stripe.Key = ""
		srv.Close()
	})
	return g
}

func completedTrip() models.Trip {
	return models.Trip{ID: "trip-9", RiderID: "rider-1", FinalFare: &models.Fare{Amount: 12.5, Currency: "ARS"}}
}

func TestStripeChargeHoldsSavedCardOffSession(t *testing.T) {
	f := &fakeStripe{
		customers: `{"id":"cus_1","object":"customer","invoice_settings":{"default_payment_method":"pm_1"}}`,
		status:    "requires_capture",
	}
	g := withStripe(t, f)

	ref, err := g.Charge(context.Background(), completedTrip())
	if err != nil || ref != "pi_1" {
		t.Fatalf("charge: %q %v", ref, err)
	}
	want := []string{"GET /v1/customers/search", "POST /v1/payment_intents", "POST /v1/payment_intents/pi_1/capture"}
	if got := f.paths(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls %v, want %v", got, want)
	}
	if q := f.calls[0].form.Get("query"); q != "metadata['rider_id']:'rider-1'" {
		t.Fatalf("unexpected search query %q", q)
	}
	hold := f.calls[1].form
	for k, v := range map[string]string{
		"customer":           "cus_1",
		"payment_method":     "pm_1",
		"confirm":            "true",
		"off_session":        "true",
		"capture_method":     "manual",
		"amount":             "1250",
		"currency":           "ars",
		"metadata[trip_id]":  "trip-9",
		"metadata[rider_id]": "rider-1",
	} {
		if got := hold.Get(k); got != v {
			t.Fatalf("hold %s = %q, want %q (form %v)", k, got, v, hold)
		}
	}
}

func TestStripeChargeCancelsUnconfirmedHold(t *testing.T) {
	f := &fakeStripe{
		customers: `{"id":"cus_1","object":"customer","invoice_settings":{"default_payment_method":"pm_1"}}`,
		status:    "requires_action",
	}
	g := withStripe(t, f)

	if _, err := g.Charge(context.Background(), completedTrip()); err == nil {
		t.Fatalf("expected an error for a hold that needs customer action")
	}
	want := []string{"GET /v1/customers/search", "POST /v1/payment_intents", "POST /v1/payment_intents/pi_1/cancel"}
	if got := f.paths(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls %v, want %v", got, want)
	}
}

func TestStripeChargeWithoutSavedCustomer(t *testing.T) {
	f := &fakeStripe{status: "requires_capture"}
	g := withStripe(t, f)

	_, err := g.Charge(context.Background(), completedTrip())
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := f.paths(); len(got) != 1 {
		t.Fatalf("no intent should be created, got %v", got)
	}
}
