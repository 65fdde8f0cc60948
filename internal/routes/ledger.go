package routes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/kivu-pay/kivu_pay/internal/cluster"
	"github.com/kivu-pay/kivu_pay/internal/gateway"
	"github.com/kivu-pay/kivu_pay/internal/logic"
	"github.com/kivu-pay/kivu_pay/internal/middleware"
	"github.com/kivu-pay/kivu_pay/internal/shard"
	"github.com/kivu-pay/kivu_pay/internal/txlog"
	"github.com/kivu-pay/kivu_pay/internal/view"
)

type ledgerHandler struct {
	cluster *cluster.Cluster
}

func newLedgerHandler(c *cluster.Cluster) *ledgerHandler {
	return &ledgerHandler{cluster: c}
}

type postingRequest struct {
	Amount       uint64            `json:"amount"`
	TokenAmounts map[string]uint64 `json:"token_amounts"`
}

func (r postingRequest) posting() shard.Posting {
	if len(r.TokenAmounts) > 0 {
		return shard.MultiTokenPosting(r.TokenAmounts)
	}
	return shard.FungiblePosting(r.Amount)
}

type transferRequest struct {
	postingRequest
	From       string `json:"from"`
	To         string `json:"to"`
	ClientTxID string `json:"client_tx_id"`
}

type issueRequest struct {
	postingRequest
	Owner string `json:"owner"`
}

// Transfer submits a transfer between two owners.
func (h *ledgerHandler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	idemRef := req.ClientTxID
	if idemRef == "" {
		idemRef = c.Get("Idempotency-Key")
	}

	res, err := h.cluster.Gateway().Transfer(c.UserContext(), req.From, req.To, req.posting(), idemRef)
	return writeResult(c, res, err)
}

// Mint credits freshly issued funds. Privileged.
func (h *ledgerHandler) Mint(c *fiber.Ctx) error {
	var req issueRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	caller := gateway.Principal{Admin: middleware.IsAdmin(c)}
	res, err := h.cluster.Gateway().Mint(c.UserContext(), caller, req.Owner, req.posting())
	return writeResult(c, res, err)
}

// Burn removes funds from an owner. Privileged.
func (h *ledgerHandler) Burn(c *fiber.Ctx) error {
	var req issueRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	caller := gateway.Principal{Admin: middleware.IsAdmin(c)}
	res, err := h.cluster.Gateway().Burn(c.UserContext(), caller, req.Owner, req.posting())
	return writeResult(c, res, err)
}

// BalanceOf reads one owner's balance.
func (h *ledgerHandler) BalanceOf(c *fiber.Ctx) error {
	owner := c.Params("owner")
	tokenID := c.Query("token")

	amount, err := h.cluster.Gateway().BalanceOf(c.UserContext(), owner, tokenID)
	if err != nil {
		if errors.Is(err, gateway.ErrValidation) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}

	if tokenID == "" {
		tokenID = shard.NativeToken
	}
	return c.JSON(fiber.Map{
		"owner":    owner,
		"token_id": tokenID,
		"amount":   amount,
	})
}

// TransactionStatus reports a transaction's current state, reconciling an
// ambiguous one first.
func (h *ledgerHandler) TransactionStatus(c *fiber.Ctx) error {
	txID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "transaction id must be a positive integer")
	}

	res, err := h.cluster.Gateway().Status(c.UserContext(), txID)
	if err != nil {
		var pending *gateway.PendingError
		switch {
		case errors.Is(err, txlog.ErrNotFound):
			return fiber.NewError(http.StatusNotFound, "transaction not found")
		case errors.As(err, &pending):
			return c.Status(http.StatusAccepted).JSON(resultBody(res))
		case errors.Is(err, logic.ErrInsufficientBalance), errors.Is(err, logic.ErrProtocolInvariant):
			// Terminal failure states still answer the status query.
			return c.JSON(resultBody(res))
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	if !res.Status.Terminal() {
		return c.Status(http.StatusAccepted).JSON(resultBody(res))
	}
	return c.JSON(resultBody(res))
}

// State serves the read-only global projection.
func (h *ledgerHandler) State(c *fiber.Ctx) error {
	state, err := h.cluster.Snapshot(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(view.Summarize(state))
}

func writeResult(c *fiber.Ctx, res txlog.Result, err error) error {
	if err != nil {
		var pending *gateway.PendingError
		switch {
		case errors.As(err, &pending):
			// Ambiguous, not failed: hand back the tx id for reconciliation.
			return c.Status(http.StatusAccepted).JSON(resultBody(res))
		case errors.Is(err, gateway.ErrValidation):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, gateway.ErrNotAuthorized):
			return fiber.NewError(http.StatusForbidden, "not authorized")
		case errors.Is(err, logic.ErrInsufficientBalance):
			return fiber.NewError(http.StatusBadRequest, "insufficient balance")
		case errors.Is(err, logic.ErrProtocolInvariant):
			return fiber.NewError(http.StatusInternalServerError, "internal ledger inconsistency")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(resultBody(res))
}

func resultBody(res txlog.Result) fiber.Map {
	body := fiber.Map{
		"tx_id":  res.TxID,
		"status": res.Status,
	}
	if res.Reason != "" {
		body["reason"] = res.Reason
	}
	return body
}
