package di

import (
	"net/http"
	"time"

	"github.com/samber/do/v2"

	"github.com/omarluq/apigate/internal/client"
)

// ClientService wraps the upstream API client.
type ClientService struct {
	Client *client.Client
}

// NewClient creates the client over the token manager, limiter, pacer and breakers.
func NewClient(i do.Injector) (*ClientService, error) {
	cfg := do.MustInvoke[*ConfigService](i).Get()
	tokenSvc := do.MustInvoke[*TokenService](i)
	limiterSvc := do.MustInvoke[*LimiterService](i)
	pacerSvc := do.MustInvoke[*PacerService](i)
	trackerSvc := do.MustInvoke[*HealthTrackerService](i)
	logger := do.MustInvoke[*LoggerService](i).Logger

	clientLog := logger.With().Str("component", "client").Logger()
	c, err := client.New(cfg.Client, tokenSvc.Manager, limiterSvc.Limiter,
		client.WithPacer(pacerSvc.Pacer),
		client.WithBreakers(trackerSvc.Tracker),
		client.WithLogger(&clientLog),
		client.WithHTTPClient(newUpstreamHTTPClient()),
	)
	if err != nil {
		return nil, err
	}
	return &ClientService{Client: c}, nil
}

// newUpstreamHTTPClient bounds connections that never answer. Per-call
// deadlines come from the request context.
func newUpstreamHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32
	transport.ResponseHeaderTimeout = 60 * time.Second
	return &http.Client{Transport: transport}
}
