package auth

import "context"

// subjectKey 是上下文中存储调用方标识的键类型。
type subjectKey struct{}

// WithSubject 将通过认证的调用方标识写入上下文。
func WithSubject(ctx context.Context, subject string) context.Context {
	if subject == "" {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 读取上下文中的调用方标识，未认证时返回空字符串。
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}
