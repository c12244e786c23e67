package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/core/payment"
)

type paymentApi struct {
	svc payment.ServiceInterface
}

func registerPaymentAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc payment.ServiceInterface) {
	api := paymentApi{svc: svc}

	pg := g.Group("/payments")

	// un-authed endpoints
	// Daraja authenticates by knowing the callback URL; the handler trusts only
	// tokens it minted itself.
	pg.POST("/mpesa/callback", api.mpesaCallback)

	// authed endpoints
	ag := pg.Group("", jwt)
	student := studentMiddleware()
	ag.POST("/card", api.startCard, student)
	ag.POST("/card/confirm", api.confirmCard, student)
	ag.POST("/mpesa", api.startMpesa, student)
	ag.GET("", api.queryMine)
	ag.GET("/all", api.queryAll, adminMiddleware())
}

// Handlers

func (api *paymentApi) startCard(ctx echo.Context) error {
	var data payment.CardPaymentRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CardPaymentRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	student, err := getContextStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context student")
	}

	intent, err := api.svc.StartCardPayment(ctx.Request().Context(), student, data.CourseID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, intent)
}

func (api *paymentApi) confirmCard(ctx echo.Context) error {
	var data payment.CardConfirmRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CardConfirmRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	student, err := getContextStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context student")
	}

	pmt, err := api.svc.ConfirmCardPayment(ctx.Request().Context(), student, data.CourseID, data.IntentID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, pmt)
}

func (api *paymentApi) startMpesa(ctx echo.Context) error {
	var data payment.MobilePaymentRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MobilePaymentRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	student, err := getContextStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context student")
	}

	pmt, err := api.svc.StartMobileMoneyPayment(ctx.Request().Context(), student, data.CourseID, data.Phone, data.Amount)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusAccepted, pmt)
}

// mpesaCallback applies a Daraja confirmation. It always ACKs with 200 so the
// provider does not retry deliveries we have already absorbed; failures are
// logged and reconciled out-of-band.
func (api *paymentApi) mpesaCallback(ctx echo.Context) error {
	var data mpesaCallbackRequest
	if err := ctx.Bind(&data); err != nil {
		ctx.Logger().Errorf("%+v", errors.Wrap(err, "binding to mpesaCallbackRequest"))
		return ctx.JSON(http.StatusOK, mpesaAck())
	}

	cb := payment.STKCallback{
		CheckoutRequestID: data.Body.StkCallback.CheckoutRequestID,
		ResultCode:        data.Body.StkCallback.ResultCode,
		ResultDesc:        data.Body.StkCallback.ResultDesc,
	}
	if err := api.svc.HandleMobileMoneyCallback(ctx.Request().Context(), cb); err != nil {
		ctx.Logger().Errorf("%+v", errors.Wrap(err, "handling mpesa callback"))
	}
	return ctx.JSON(http.StatusOK, mpesaAck())
}

func (api *paymentApi) queryMine(ctx echo.Context) error {
	student, err := getContextStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context student")
	}

	filter := new(payment.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []payment.Info{})
	}
	filter.UserID = student.ID // callers only see their own payments
	ordering := new(Ordering)
	ordering.Bind(ctx)

	return api.query(ctx, filter, ordering.Orderings)
}

func (api *paymentApi) queryAll(ctx echo.Context) error {
	filter := new(payment.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []payment.Info{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	return api.query(ctx, filter, ordering.Orderings)
}

func (api *paymentApi) query(ctx echo.Context, filter *payment.QueryFilter, orderings []core.DBOrdering) error {
	infos, err := api.svc.Query(ctx.Request().Context(), filter, orderings)
	if err != nil {
		return errors.Wrap(err, "querying payments")
	}
	if infos == nil {
		infos = []payment.Info{}
	}
	return ctx.JSON(http.StatusOK, infos)
}

type (
	// mpesaCallbackRequest is the Daraja STK callback envelope.
	mpesaCallbackRequest struct {
		Body struct {
			StkCallback struct {
				MerchantRequestID string `json:"MerchantRequestID"`
				CheckoutRequestID string `json:"CheckoutRequestID"`
				ResultCode        int    `json:"ResultCode"`
				ResultDesc        string `json:"ResultDesc"`
			} `json:"stkCallback"`
		} `json:"Body"`
	}

	mpesaAckResponse struct {
		ResultCode int    `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
)

func mpesaAck() mpesaAckResponse {
	return mpesaAckResponse{ResultCode: 0, ResultDesc: "Accepted"}
}
