// Package docs 由 swag init 生成，请勿手工修改业务说明以外的内容
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/delivery/stats": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["delivery"],
                "summary": "投递队列统计",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.DeliveryStatsResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/api/devices/{hid}/inbox": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "description": "按创建时间升序返回 pending 条目（include_delivered=true 时包含已投递未确认）",
                "produces": ["application/json"],
                "tags": ["inbox"],
                "summary": "轮询收件箱",
                "parameters": [
                    {"type": "string", "description": "设备 HID", "name": "hid", "in": "path", "required": true},
                    {"type": "string", "description": "按消息 NID 过滤", "name": "nid", "in": "query"},
                    {"type": "string", "description": "按消息 user 过滤", "name": "user", "in": "query"},
                    {"type": "boolean", "description": "包含已投递未确认条目", "name": "include_delivered", "in": "query"},
                    {"type": "integer", "description": "条数上限", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.InboxResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/api/devices/{hid}/inbox/{entryId}/ack": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "description": "pending|delivered -> acknowledged，并写入已读回执",
                "produces": ["application/json"],
                "tags": ["inbox"],
                "summary": "确认条目",
                "parameters": [
                    {"type": "string", "description": "设备 HID", "name": "hid", "in": "path", "required": true},
                    {"type": "integer", "description": "条目 ID", "name": "entryId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.InboxEntryView"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/api/devices/{hid}/messages": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "description": "持久化消息并路由到目标设备收件箱，webhook 异步投递",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["messages"],
                "summary": "上报消息",
                "parameters": [
                    {"type": "string", "description": "来源设备 HID", "name": "hid", "in": "path", "required": true},
                    {"description": "消息", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.CreateMessageRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/api.CreateMessageResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/api/devices/{hid}/network": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "description": "返回同群组中按 NID/距离规则可达的设备，不创建条目",
                "produces": ["application/json"],
                "tags": ["network"],
                "summary": "网络范围预览",
                "parameters": [
                    {"type": "string", "description": "设备 HID", "name": "hid", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.NetworkResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/api/owners/{ownerId}/network": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "description": "返回该所有者任一 active 设备网络范围内设备所属的所有者",
                "produces": ["application/json"],
                "tags": ["network"],
                "summary": "所有者网络范围预览",
                "parameters": [
                    {"type": "integer", "description": "所有者 ID", "name": "ownerId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.NetworkOwnersResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "api.CreateMessageRequest": {
            "type": "object",
            "required": ["type"],
            "properties": {
                "alarm_type": {"type": "string"},
                "alert_type": {"type": "string", "example": "sensor"},
                "nid": {"type": "string", "example": "0x1F"},
                "payload": {"type": "object"},
                "type": {"type": "string", "example": "alert"},
                "user": {"type": "string"}
            }
        },
        "api.CreateMessageResponse": {
            "type": "object",
            "properties": {
                "enqueued": {"type": "integer"},
                "inbox_entries": {"type": "array", "items": {"type": "integer"}},
                "message_id": {"type": "integer"},
                "message_type": {"type": "string"},
                "skipped": {"type": "integer"},
                "source_device": {"type": "string"},
                "status": {"type": "string", "example": "routed"},
                "target_device_hids": {"type": "array", "items": {"type": "string"}},
                "target_devices": {"type": "integer"},
                "warning": {"type": "string"}
            }
        },
        "api.DeliveryStatsResponse": {
            "type": "object",
            "properties": {
                "in_flight": {"type": "integer"},
                "overdue": {"type": "integer"},
                "ready": {"type": "object", "additionalProperties": {"type": "integer"}},
                "total": {"type": "integer"}
            }
        },
        "api.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "message": {"type": "string"},
                "message_id": {"type": "integer"},
                "request_id": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "api.InboxEntryView": {
            "type": "object",
            "properties": {
                "acknowledged_at": {"type": "string"},
                "created_at": {"type": "string"},
                "delivered_at": {"type": "string"},
                "delivery_attempts": {"type": "integer"},
                "id": {"type": "integer"},
                "last_error": {"type": "string"},
                "message": {"type": "object"},
                "message_id": {"type": "integer"},
                "status": {"type": "string"}
            }
        },
        "api.InboxResponse": {
            "type": "object",
            "properties": {
                "count": {"type": "integer"},
                "device_hid": {"type": "string"},
                "entries": {"type": "array", "items": {"$ref": "#/definitions/api.InboxEntryView"}}
            }
        },
        "api.NetworkDeviceView": {
            "type": "object",
            "properties": {
                "hid": {"type": "string"},
                "latitude": {"type": "number"},
                "longitude": {"type": "number"},
                "name": {"type": "string"},
                "nid": {"type": "string"},
                "webhook": {"type": "boolean"}
            }
        },
        "api.NetworkOwnersResponse": {
            "type": "object",
            "properties": {
                "count": {"type": "integer"},
                "owner_id": {"type": "integer"},
                "owners": {"type": "array", "items": {"$ref": "#/definitions/api.OwnerView"}}
            }
        },
        "api.NetworkResponse": {
            "type": "object",
            "properties": {
                "count": {"type": "integer"},
                "device_hid": {"type": "string"},
                "devices": {"type": "array", "items": {"$ref": "#/definitions/api.NetworkDeviceView"}},
                "group_id": {"type": "integer"}
            }
        },
        "api.OwnerView": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "name": {"type": "string"},
                "radius_km": {"type": "number"}
            }
        }
    },
    "securityDefinitions": {
        "ApiKeyAuth": {"type": "apiKey", "name": "X-API-Key", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "IoT Router API",
	Description:      "设备消息路由、收件箱与 webhook 投递接口",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
