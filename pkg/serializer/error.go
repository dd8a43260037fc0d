package serializer

import (
	"errors"

	"github.com/gin-gonic/gin"
)

// AppError 应用错误，实现了error接口
type AppError struct {
	Code     int
	Msg      string
	RawError error
}

// NewError 返回新的错误对象
func NewError(code int, msg string, err error) AppError {
	return AppError{
		Code:     code,
		Msg:      msg,
		RawError: err,
	}
}

// WithError 将应用error携带标准库中的error
func (err *AppError) WithError(raw error) AppError {
	return AppError{
		Code:     err.Code,
		Msg:      err.Msg,
		RawError: raw,
	}
}

// Error 返回业务代码确定的可读错误信息
func (err AppError) Error() string {
	if err.RawError != nil {
		return err.Msg + ": " + err.RawError.Error()
	}
	return err.Msg
}

func (err AppError) Unwrap() error {
	return err.RawError
}

// Is reports errors of the same code as equal so that wrapped sentinels match.
func (err AppError) Is(target error) bool {
	var t AppError
	if errors.As(target, &t) {
		return t.Code == err.Code
	}
	return false
}

// 三位数错误编码为复用http原本含义
// 五位数错误编码为应用自定义错误
const (
	// CodeNoPermissionErr 未授权访问
	CodeNoPermissionErr = 403
	// CodeNotFound 资源未找到
	CodeNotFound = 404
	// CodePreconditionFailed 前置条件不满足
	CodePreconditionFailed = 412
	// CodeLockConflict resource is locked by someone else
	CodeLockConflict = 423
	// CodeRangeNotSatisfiable 请求的范围无效
	CodeRangeNotSatisfiable = 416
	// CodeNotImplemented 未实现
	CodeNotImplemented = 501
	// CodeCredentialInvalid 凭证无效
	CodeCredentialInvalid = 40001
	//CodeParamErr 各种奇奇怪怪的参数错误
	CodeParamErr = 40002
	// CodeObjectExist 对象已存在
	CodeObjectExist = 40004
	// CodeDBError 数据库操作失败
	CodeDBError = 50001
	// CodeIOFailed IO操作失败
	CodeIOFailed = 50004
	// CodeCacheOperation 缓存操作失败
	CodeCacheOperation = 50006
	// CodeInternalErr 内部错误
	CodeInternalErr = 50000
	// CodeNotSet 未定错误，后续尝试从error中获取
	CodeNotSet = -1
)

// CodeOf returns the code of the first AppError in err's chain, or CodeNotSet.
func CodeOf(err error) int {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeNotSet
}

// Response 基础序列化器
type Response struct {
	Code  int         `json:"code"`
	Data  interface{} `json:"data,omitempty"`
	Msg   string      `json:"msg"`
	Error string      `json:"error,omitempty"`
}

// Err 通用错误处理
func Err(errCode int, msg string, err error) Response {
	// 底层错误是AppError，则尝试从AppError中获取详细信息
	var appError AppError
	if errors.As(err, &appError) {
		errCode = appError.Code
		err = appError.RawError
		msg = appError.Msg
	}

	res := Response{
		Code: errCode,
		Msg:  msg,
	}
	// 生产环境隐藏底层报错
	if err != nil && gin.Mode() != gin.ReleaseMode {
		res.Error = err.Error()
	}
	return res
}
