package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"OpenMCP-Pay/internal/auth"
	xerrors "OpenMCP-Pay/internal/errors"
)

// maxRequestBytes 与签名校验时读取的上限保持一致。
const maxRequestBytes = auth.MaxBodyBytes

var errUnauthenticated = xerrors.New(xerrors.CodeInvalidArgument, "Missing caller")

func invalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid("Malformed request body: %v", err)
	}
	return nil
}

func callerOf(r *http.Request) (common.Address, error) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		return common.Address{}, errUnauthenticated
	}
	return caller, nil
}

// parseAddress 解析必填地址。
func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, invalid("Invalid %s address", field)
	}
	return common.HexToAddress(raw), nil
}

// parseOptionalAddress 解析可选地址，空串返回零地址。
func parseOptionalAddress(field, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, raw)
}

// parseHash 解析 0x 前缀的 32 字节哈希，空串表示无条件。
func parseHash(field, raw string) (common.Hash, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Hash{}, nil
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, invalid("Invalid %s", field)
	}
	return common.BytesToHash(b), nil
}

// parseProof 解析 0x 前缀的十六进制证明。
func parseProof(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, invalid("Invalid proof encoding")
	}
	return b, nil
}

// parseAmount 对目录中的资产按精度解析十进制金额，其余资产按基础单位整数解析。
func (s *Server) parseAmount(symbol, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, invalid("Missing amount")
	}
	if a, ok := s.svc.Assets.Lookup(symbol); ok {
		amount, err := a.ParseAmount(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Invalid amount")
		}
		return amount, nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, invalid("Invalid amount")
	}
	return amount, nil
}

func pathIndex(r *http.Request) (int, error) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		return 0, invalid("Invalid milestone index")
	}
	return index, nil
}

// after 把相对秒数换算为绝对 unix 时间，0 表示不设置。
func (s *Server) after(seconds int64) int64 {
	if seconds == 0 {
		return 0
	}
	return s.now().Unix() + seconds
}
