package archbridge

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// Remote method names of the calculator contract
const (
	MethodAdd             = "Add"
	MethodGetPlatformInfo = "GetPlatformInfo"
	MethodShutdown        = "Shutdown"
)

// Calculator is the contract the worker serves and the client proxies.
// Shutdown is a one-way signal.
type Calculator interface {
	Add(ctx context.Context, a, b int32) (int32, error)
	GetPlatformInfo(ctx context.Context) (string, error)
	Shutdown(ctx context.Context) error
}

// CalculatorService is the default worker-side Calculator
type CalculatorService struct {
	stop context.CancelFunc
}

// NewCalculatorService returns a service whose Shutdown calls stop, which is
// normally the cancel func of the listener's serve context. stop may be nil.
func NewCalculatorService(stop context.CancelFunc) *CalculatorService {
	return &CalculatorService{stop: stop}
}

// Add returns a+b with 32-bit two's complement wraparound
func (s *CalculatorService) Add(_ context.Context, a, b int32) (int32, error) {
	return a + b, nil
}

// GetPlatformInfo describes the process serving the call
func (s *CalculatorService) GetPlatformInfo(_ context.Context) (string, error) {
	return fmt.Sprintf("%s/%s %d-bit pid=%d go=%s worker=%s",
		runtime.GOOS, runtime.GOARCH, strconv.IntSize, os.Getpid(), runtime.Version(), Version), nil
}

// Shutdown stops the listener serving this service
func (s *CalculatorService) Shutdown(_ context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}

var _ Calculator = (*CalculatorService)(nil)
