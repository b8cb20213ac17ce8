package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/agentvm/internal/model"
)

// HTTPBackend talks to the provider network's scheduler API and, for
// node-local operations, directly to the owning compute node. Payloads are
// parsed here at the boundary into typed replies; failures are classified
// into the sentinel taxonomy.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTP creates the real adapter with a bounded per-call timeout.
func NewHTTP(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "backend").Logger(),
	}
}

// --- wire payloads ---

type nodeListPayload struct {
	Nodes []struct {
		Hash               string  `json:"hash"`
		Name               string  `json:"name"`
		Address            string  `json:"address"`
		Score              float64 `json:"score"`
		Version            string  `json:"version"`
		GPUSupport         bool    `json:"gpu_support"`
		TermsAndConditions string  `json:"terms_and_conditions"`
	} `json:"crns"`
}

type pricingPayload struct {
	ComputeUnit *struct {
		Credit float64 `json:"credit"`
	} `json:"compute_unit"`
}

type createPayload struct {
	ItemHash string `json:"item_hash"`
}

type executionPayload struct {
	Status   string `json:"status"`
	IPv4Host string `json:"ipv4_host"`
	SSHPort  int    `json:"ssh_port"`
	IPv6     string `json:"ipv6"`
}

type ownedPayload struct {
	Instances []struct {
		ItemHash string `json:"item_hash"`
	} `json:"instances"`
}

type balancePayload struct {
	CreditBalance float64 `json:"credit_balance"`
}

func (b *HTTPBackend) ListNodes(ctx context.Context, filters model.NodeFilters) ([]model.NodeDescriptor, error) {
	var payload nodeListPayload
	if err := b.doJSON(ctx, http.MethodGet, b.baseURL+"/v0/crns?active=true", nil, &payload); err != nil {
		return nil, err
	}

	nodes := make([]model.NodeDescriptor, 0, len(payload.Nodes))
	for _, n := range payload.Nodes {
		if filters.GPU && !n.GPUSupport {
			continue
		}
		nodes = append(nodes, model.NodeDescriptor{
			Hash:               n.Hash,
			Name:               n.Name,
			URL:                n.Address, // address field carries the URL
			Score:              n.Score,
			Version:            n.Version,
			HasGPU:             n.GPUSupport,
			TermsAndConditions: n.TermsAndConditions,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Score > nodes[j].Score })
	return nodes, nil
}

func (b *HTTPBackend) UnitPrice(ctx context.Context) (float64, error) {
	var payload pricingPayload
	if err := b.doJSON(ctx, http.MethodGet, b.baseURL+"/v0/pricing/instance", nil, &payload); err != nil {
		return 0, err
	}
	if payload.ComputeUnit == nil || payload.ComputeUnit.Credit <= 0 {
		return 0, fmt.Errorf("%w: pricing aggregate missing compute_unit credit", ErrPriceUnavailable)
	}
	return payload.ComputeUnit.Credit, nil
}

func (b *HTTPBackend) CreateResource(ctx context.Context, spec CreateSpec) (CreateReply, error) {
	tier, err := ResolveTier(spec.ComputeUnits)
	if err != nil {
		return CreateReply{}, err
	}
	rootfs, err := ResolveOSImage(spec.OSImage)
	if err != nil {
		return CreateReply{}, err
	}

	body := map[string]any{
		"rootfs":      rootfs,
		"rootfs_size": tier.DiskMiB,
		"vcpus":       tier.VCPUs,
		"memory":      tier.MemoryMiB,
		"ssh_keys":    []string{spec.SSHPubKey},
		"metadata":    map[string]string{"name": spec.Name},
		"payment":     map[string]string{"type": "credit"},
		"requirements": map[string]any{
			"node": map[string]string{"node_hash": spec.NodeHash},
		},
	}
	if spec.Payer != "" {
		body["address"] = spec.Payer
	}
	if spec.TermsAndConditions != "" {
		body["terms_and_conditions"] = spec.TermsAndConditions
	}

	var payload createPayload
	if err := b.doJSON(ctx, http.MethodPost, b.baseURL+"/v0/instances", body, &payload); err != nil {
		return CreateReply{}, err
	}
	if payload.ItemHash == "" {
		return CreateReply{}, fmt.Errorf("%w: create returned no item_hash", ErrRejected)
	}

	// Expose SSH before boot so the endpoint is mapped when the instance
	// comes up.
	ports := map[string]any{"ports": map[string]any{"22": map[string]bool{"tcp": true}}}
	if err := b.doJSON(ctx, http.MethodPost, b.baseURL+"/v0/instances/"+url.PathEscape(payload.ItemHash)+"/ports", ports, nil); err != nil {
		b.logger.Warn().Err(err).Str("id", payload.ItemHash).Msg("port mapping failed, instance may be unreachable")
	}

	// Ask the owning node to boot the instance.
	startURL := strings.TrimRight(spec.NodeURL, "/") + "/control/machine/" + url.PathEscape(payload.ItemHash) + "/start"
	if err := b.doJSON(ctx, http.MethodPost, startURL, nil, nil); err != nil {
		return CreateReply{}, fmt.Errorf("boot instance %s: %w", payload.ItemHash, err)
	}

	return CreateReply{ID: payload.ItemHash}, nil
}

func (b *HTTPBackend) ResourceStatus(ctx context.Context, id string) (StatusReply, error) {
	var payload executionPayload
	if err := b.doJSON(ctx, http.MethodGet, b.baseURL+"/v0/instances/"+url.PathEscape(id)+"/execution", nil, &payload); err != nil {
		return StatusReply{}, err
	}
	return StatusReply{
		Running:  payload.Status == "running",
		IPv4Host: payload.IPv4Host,
		SSHPort:  payload.SSHPort,
		IPv6:     payload.IPv6,
	}, nil
}

func (b *HTTPBackend) TeardownStep(ctx context.Context, id, nodeURL, step string) error {
	switch step {
	case model.StepErase:
		u := strings.TrimRight(nodeURL, "/") + "/control/machine/" + url.PathEscape(id) + "/erase"
		return b.doJSON(ctx, http.MethodPost, u, nil, nil)
	case model.StepReleasePorts:
		return b.doJSON(ctx, http.MethodDelete, b.baseURL+"/v0/instances/"+url.PathEscape(id)+"/ports", nil, nil)
	case model.StepRetractRecord:
		body := map[string]any{"hashes": []string{id}, "reason": "agent cleanup"}
		return b.doJSON(ctx, http.MethodPost, b.baseURL+"/v0/messages/forget", body, nil)
	default:
		return fmt.Errorf("%w: unknown teardown step %q", ErrRejected, step)
	}
}

func (b *HTTPBackend) ListOwned(ctx context.Context, identity string) (map[string]struct{}, error) {
	var payload ownedPayload
	u := b.baseURL + "/v0/instances?address=" + url.QueryEscape(identity)
	if err := b.doJSON(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, err
	}
	owned := make(map[string]struct{}, len(payload.Instances))
	for _, inst := range payload.Instances {
		owned[inst.ItemHash] = struct{}{}
	}
	return owned, nil
}

func (b *HTTPBackend) Balance(ctx context.Context, payer string) (float64, error) {
	var payload balancePayload
	if err := b.doJSON(ctx, http.MethodGet, b.baseURL+"/v0/credits/"+url.PathEscape(payer), nil, &payload); err != nil {
		return 0, err
	}
	return payload.CreditBalance, nil
}

// doJSON issues one request and classifies the outcome. Transport errors and
// 5xx map to ErrUnavailable; 4xx maps to ErrRejected (404 on status paths to
// ErrNotFound); response bodies decode into out when non-nil.
func (b *HTTPBackend) doJSON(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, rawURL, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, rawURL)
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRejected, method, rawURL, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrUnavailable, method, rawURL, err)
	}
	return nil
}
