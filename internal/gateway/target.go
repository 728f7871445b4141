package gateway

import (
	"net/url"
	"strings"
)

// BuildTargetURL はバックエンドへの転送先URLを組み立てる。
//
// バックエンドのベースURLが持つパス、サービスの内部ベースパス、サブパス、ワイルドカードの残りを
// この順に連結する。各境界の"/"は1つにまとめ、空の要素は取り除く。
// tailとoriginalURLはエスケープされたままの形で受け取り、デコードせずに使う。
// クエリ文字列はoriginalURLの"?"以降をそのまま付ける。
func BuildTargetURL(backendBase, internalBase, forwardPrefix, tail, originalURL string) string {
	origin, basePath := splitBase(backendBase)

	parts := make([]string, 0, 4)
	for _, p := range []string{basePath, internalBase, forwardPrefix, tail} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}

	target := origin + "/" + strings.Join(parts, "/")
	if i := strings.IndexByte(originalURL, '?'); i >= 0 && i < len(originalURL)-1 {
		target += originalURL[i:]
	}
	return target
}

// splitBase はベースURLをオリジン（scheme://host）とパスに分ける。
// 解析できない値は全体をオリジンとして扱う。起動時の検証で弾かれるため通常は起きない。
func splitBase(backendBase string) (origin, path string) {
	u, err := url.Parse(backendBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(backendBase, "/"), ""
	}
	return u.Scheme + "://" + u.Host, u.EscapedPath()
}
