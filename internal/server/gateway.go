package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/ingestion"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxBodyBytes = 1 << 20

var errorMarshaler = &runtime.JSONPb{}

type routeFunc func(r *http.Request, params map[string]string) (any, error)

// httpHandler serves the HTTP/JSON API next to /healthz, /readyz and /metrics.
// Routes call the service in process; nothing is proxied over gRPC.
func (s *GRPCServer) httpHandler(metricsHandler http.Handler) http.Handler {
	mux := runtime.NewServeMux()
	svc := s.service

	s.route(mux, http.MethodPost, "/v1/actions/{event_type}", "SubmitAction", func(r *http.Request, p map[string]string) (any, error) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %v: %w", err, escrowerr.ErrInvalidArgument)
		}
		return svc.SubmitAction(r.Context(), &SubmitActionRequest{
			EventType: p["event_type"],
			Payload:   body,
			Signature: r.Header.Get(ingestion.SignatureHeader),
		})
	})
	s.route(mux, http.MethodPost, "/v1/arbitrator/rulings", "GiveRuling", func(r *http.Request, _ map[string]string) (any, error) {
		var req GiveRulingRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return svc.GiveRuling(r.Context(), &req)
	})
	s.route(mux, http.MethodGet, "/v1/arbitrator/disputes", "ListDisputes", func(r *http.Request, _ map[string]string) (any, error) {
		return svc.ListDisputes(r.Context(), &ListDisputesRequest{})
	})
	s.route(mux, http.MethodGet, "/v1/wallets/{owner}", "GetWallet", func(r *http.Request, p map[string]string) (any, error) {
		q := r.URL.Query()
		return svc.GetWallet(r.Context(), &GetWalletRequest{
			Owner: p["owner"],
			Asset: q.Get("asset"),
			Live:  q.Get("live") == "true",
		})
	})
	s.route(mux, http.MethodGet, "/v1/allowances/{owner}/{spender}", "GetAllowance", func(r *http.Request, p map[string]string) (any, error) {
		return svc.GetAllowance(r.Context(), &GetAllowanceRequest{
			Owner:   p["owner"],
			Spender: p["spender"],
			Token:   r.URL.Query().Get("token"),
		})
	})
	s.route(mux, http.MethodGet, "/v1/delegates/{address}", "GetDelegate", func(r *http.Request, p map[string]string) (any, error) {
		return svc.GetDelegate(r.Context(), &GetDelegateRequest{Address: p["address"]})
	})
	s.route(mux, http.MethodGet, "/v1/listings", "ListListings", func(r *http.Request, _ map[string]string) (any, error) {
		q := r.URL.Query()
		limit, err := queryInt(q.Get("limit"), "limit")
		if err != nil {
			return nil, err
		}
		afterID, err := queryInt64(q.Get("after_id"), "after_id")
		if err != nil {
			return nil, err
		}
		return svc.ListListings(r.Context(), &ListListingsRequest{
			Seller:  q.Get("seller"),
			Status:  q.Get("status"),
			Limit:   limit,
			AfterID: afterID,
		})
	})
	s.route(mux, http.MethodGet, "/v1/listings/{listing_id}", "GetListing", func(r *http.Request, p map[string]string) (any, error) {
		id, err := pathInt64(p, "listing_id")
		if err != nil {
			return nil, err
		}
		return svc.GetListing(r.Context(), &GetListingRequest{ListingID: id})
	})
	s.route(mux, http.MethodGet, "/v1/listings/{listing_id}/offers", "ListOffers", func(r *http.Request, p map[string]string) (any, error) {
		id, err := pathInt64(p, "listing_id")
		if err != nil {
			return nil, err
		}
		req, err := offersRequest(r)
		if err != nil {
			return nil, err
		}
		req.ListingID = &id
		return svc.ListOffers(r.Context(), req)
	})
	s.route(mux, http.MethodGet, "/v1/listings/{listing_id}/offers/{offer_id}", "GetOffer", func(r *http.Request, p map[string]string) (any, error) {
		listingID, err := pathInt64(p, "listing_id")
		if err != nil {
			return nil, err
		}
		offerID, err := pathInt64(p, "offer_id")
		if err != nil {
			return nil, err
		}
		return svc.GetOffer(r.Context(), &GetOfferRequest{ListingID: listingID, OfferID: offerID})
	})
	s.route(mux, http.MethodGet, "/v1/offers", "ListOffers", func(r *http.Request, _ map[string]string) (any, error) {
		req, err := offersRequest(r)
		if err != nil {
			return nil, err
		}
		return svc.ListOffers(r.Context(), req)
	})
	s.route(mux, http.MethodGet, "/v1/records", "ListRecords", func(r *http.Request, _ map[string]string) (any, error) {
		q := r.URL.Query()
		limit, err := queryInt(q.Get("limit"), "limit")
		if err != nil {
			return nil, err
		}
		listingID, err := queryInt64(q.Get("listing_id"), "listing_id")
		if err != nil {
			return nil, err
		}
		after, err := queryInt64(q.Get("after_sequence"), "after_sequence")
		if err != nil {
			return nil, err
		}
		return svc.ListRecords(r.Context(), &ListRecordsRequest{
			Party:         q.Get("party"),
			ListingID:     listingID,
			Kinds:         q["kind"],
			Limit:         limit,
			AfterSequence: after,
		})
	})
	s.route(mux, http.MethodGet, "/v1/journals/{owner}", "ListJournals", func(r *http.Request, p map[string]string) (any, error) {
		q := r.URL.Query()
		limit, err := queryInt(q.Get("limit"), "limit")
		if err != nil {
			return nil, err
		}
		after, err := queryInt64(q.Get("after_sequence"), "after_sequence")
		if err != nil {
			return nil, err
		}
		return svc.ListJournals(r.Context(), &ListJournalsRequest{Owner: p["owner"], Limit: limit, AfterSequence: after})
	})
	s.route(mux, http.MethodGet, "/v1/ledger/status", "GetLedgerStatus", func(r *http.Request, _ map[string]string) (any, error) {
		return svc.GetLedgerStatus(r.Context(), &GetLedgerStatusRequest{})
	})
	s.route(mux, http.MethodGet, "/v1/admin/integrity", "VerifyIntegrity", func(r *http.Request, _ map[string]string) (any, error) {
		return svc.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
	})

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"ok"}`)
		})
	}
	if metricsHandler != nil {
		httpMux.Handle("/metrics", metricsHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// route registers one gateway path. Errors are rendered as google.rpc.Status
// JSON with the HTTP status of their gRPC code.
func (s *GRPCServer) route(mux *runtime.ServeMux, method, pattern, name string, fn routeFunc) {
	fullMethod := "/" + ServiceName + "/" + name
	err := mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := fn(r, params)
		err = ToStatus(err)
		s.observe(fullMethod, err, start)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, errorMarshaler, w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Warn().Err(err).Str("method", fullMethod).Msg("write response")
		}
	})
	if err != nil {
		// patterns are literals above
		panic(fmt.Sprintf("register %s %s: %v", method, pattern, err))
	}
}

func offersRequest(r *http.Request) (*ListOffersRequest, error) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		return nil, err
	}
	after, err := queryInt64(q.Get("after_sequence"), "after_sequence")
	if err != nil {
		return nil, err
	}
	return &ListOffersRequest{
		Buyer:         q.Get("buyer"),
		Status:        q.Get("status"),
		Limit:         limit,
		AfterSequence: after,
	}, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("request body: %v: %w", err, escrowerr.ErrInvalidArgument)
	}
	return nil
}

func pathInt64(params map[string]string, name string) (int64, error) {
	v, err := strconv.ParseInt(params[name], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s: invalid id %q: %w", name, params[name], escrowerr.ErrInvalidArgument)
	}
	return v, nil
}

func queryInt(s, name string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", name, err, escrowerr.ErrInvalidArgument)
	}
	return v, nil
}

func queryInt64(s, name string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", name, err, escrowerr.ErrInvalidArgument)
	}
	return &v, nil
}
