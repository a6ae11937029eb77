package rdma

// #include <infiniband/verbs.h>
import "C"
import "fmt"

// StatusString formats a raw ibv_wc_status code using libibverbs' own
// string table, for inclusion in error messages surfaced to callers.
func StatusString(status int) string {
	return C.GoString(C.ibv_wc_status_str(C.enum_ibv_wc_status(status)))
}

// IsSuccess reports whether status is IBV_WC_SUCCESS.
func IsSuccess(status int) bool {
	return status == C.IBV_WC_SUCCESS
}

// CompletionError formats a failed completion as an error, identifying
// it by work request tag rather than by the (unreliable on failure)
// opcode field.
func CompletionError(c Completion) error {
	return fmt.Errorf("work completion failed for qpn %d, wr_id %d: %s (status %d)",
		c.QPNum, c.WRID, StatusString(c.Status), c.Status)
}
