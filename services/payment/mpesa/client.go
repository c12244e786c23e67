package mpesasvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/core/payment"
)

const (
	tokenPath   = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath = "/mpesa/stkpush/v1/processrequest"

	timestampLayout = "20060102150405"

	// refresh the cached token slightly before Daraja expires it
	tokenExpirySkew = 30 * time.Second
)

var nowFunc = time.Now // mockable

// Client talks to the Daraja STK-push API. The OAuth bearer token is cached on
// the client and refreshed on expiry; the client is built once at startup and
// injected, never held as ambient state.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortCode      string
	passKey        string
	callbackURL    string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ payment.MobileMoneyProvider = (*Client)(nil)

func NewClient(conf *core.Config) *Client {
	return &Client{
		httpClient:     &http.Client{Timeout: conf.Server.ProviderTimeout},
		baseURL:        conf.Mpesa.BaseURL,
		consumerKey:    conf.Mpesa.ConsumerKey,
		consumerSecret: conf.Mpesa.ConsumerSecret,
		shortCode:      conf.Mpesa.ShortCode,
		passKey:        conf.Mpesa.PassKey,
		callbackURL:    conf.Mpesa.CallbackURL,
	}
}

type (
	tokenResponse struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"` // seconds, as a string
	}

	stkPushRequest struct {
		BusinessShortCode string `json:"BusinessShortCode"`
		Password          string `json:"Password"`
		Timestamp         string `json:"Timestamp"`
		TransactionType   string `json:"TransactionType"`
		Amount            string `json:"Amount"`
		PartyA            string `json:"PartyA"`
		PartyB            string `json:"PartyB"`
		PhoneNumber       string `json:"PhoneNumber"`
		CallBackURL       string `json:"CallBackURL"`
		AccountReference  string `json:"AccountReference"`
		TransactionDesc   string `json:"TransactionDesc"`
	}

	stkPushResponse struct {
		MerchantRequestID   string `json:"MerchantRequestID"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		CustomerMessage     string `json:"CustomerMessage"`
	}
)

// InitiatePush prompts the customer's phone for payment and returns the
// CheckoutRequestID the confirmation callback will carry. Initiation does not
// confirm payment.
func (c *Client) InitiatePush(ctx context.Context, phone string, amount decimal.Decimal) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	timestamp := nowFunc().UTC().Format(timestampLayout)
	msisdn := FormatPhone(phone)
	body := stkPushRequest{
		BusinessShortCode: c.shortCode,
		Password:          base64.StdEncoding.EncodeToString([]byte(c.shortCode + c.passKey + timestamp)),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            strconv.FormatInt(amount.IntPart(), 10), // Daraja takes whole shillings
		PartyA:            msisdn,
		PartyB:            c.shortCode,
		PhoneNumber:       msisdn,
		CallBackURL:       c.callbackURL,
		AccountReference:  "CoursePayment",
		TransactionDesc:   "Course Payment",
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "marshalling STK push request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+stkPushPath, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "building STK push request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(payment.ErrProviderUnavailable, err.Error())
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= http.StatusBadRequest {
		return "", errors.Wrapf(payment.ErrProviderUnavailable, "STK push returned %d", res.StatusCode)
	}

	var stkRes stkPushResponse
	if err = json.NewDecoder(res.Body).Decode(&stkRes); err != nil {
		return "", errors.Wrap(payment.ErrProviderUnavailable, err.Error())
	}
	if stkRes.ResponseCode != "0" {
		return "", errors.Wrapf(payment.ErrProviderUnavailable, "STK push rejected: %s", stkRes.ResponseDescription)
	}
	return stkRes.CheckoutRequestID, nil
}

// accessToken returns the cached bearer token, fetching a fresh one when absent
// or expired.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && nowFunc().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", errors.Wrap(err, "building token request")
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(payment.ErrProviderUnavailable, err.Error())
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return "", errors.Wrapf(payment.ErrProviderUnavailable, "token request returned %d", res.StatusCode)
	}

	var tokenRes tokenResponse
	if err = json.NewDecoder(res.Body).Decode(&tokenRes); err != nil {
		return "", errors.Wrap(payment.ErrProviderUnavailable, err.Error())
	}
	if tokenRes.AccessToken == "" {
		return "", errors.Wrap(payment.ErrProviderUnavailable, "token response missing access_token")
	}

	expiresIn, err := strconv.Atoi(tokenRes.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}

	c.token = tokenRes.AccessToken
	c.tokenExpiry = nowFunc().Add(time.Duration(expiresIn)*time.Second - tokenExpirySkew)
	return c.token, nil
}

// FormatPhone converts local MSISDNs (07XXXXXXXX) to international form (2547XXXXXXXX).
func FormatPhone(phone string) string {
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") {
		return "254" + phone[1:]
	}
	return phone
}
