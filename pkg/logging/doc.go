// Package logging はGateway全体で使うzapロガーを生成する。
package logging
