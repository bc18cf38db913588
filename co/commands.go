/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

// Node-scope command codes (spec §6.3, subset actually consumed by the
// object core).
const (
	CmdFindMasterNodeID uint32 = iota
	CmdFindMasterNodeIDReply
	CmdAttachObject
	CmdDetachObject
	CmdRegisterObject
	CmdDeregisterObject
	CmdMapObject
	CmdMapObjectSuccess
	CmdMapObjectReply
	CmdUnmapObject
	CmdUnsubscribeObject
	CmdSyncObject
	CmdSyncObjectReply
	CmdObjectPush
	CmdDisableSendOnRegister
	CmdRemoveNode
	CmdNodeConnect
	CmdNodeConnectReply
	CmdNodeID
	CmdBarrierEnter
	CmdBarrierEnterReply
	CmdQueueGetItem
	CmdQueueItem
	CmdQueueEmpty
)

// Object-scope command codes (spec §6.3).
const (
	CmdObjectInstance uint32 = iota
	CmdObjectDelta
	CmdObjectSlaveDelta
	CmdObjectMaxVersion
)

// InstanceSelector picks which of an object's (possibly several) local
// attachments a sync targets (spec §4.5 "sync").
type InstanceSelector uint32

const InstanceAll InstanceSelector = 0xffffffff
