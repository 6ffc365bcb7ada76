package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Per-table mirroring policy
			CREATE TABLE sync_configs (
				id UUID PRIMARY KEY,
				source_table VARCHAR(255) NOT NULL UNIQUE,
				target_endpoint TEXT NOT NULL,
				target_object_type VARCHAR(255) NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT true,
				sync_on_insert BOOLEAN NOT NULL DEFAULT true,
				sync_on_update BOOLEAN NOT NULL DEFAULT true,
				sync_on_delete BOOLEAN NOT NULL DEFAULT false,
				field_mapping JSONB NOT NULL DEFAULT '{}',
				excluded_fields JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- Durable sync queue
			CREATE TABLE sync_queue (
				id UUID PRIMARY KEY,
				table_name VARCHAR(255) NOT NULL,
				record_id VARCHAR(255) NOT NULL,
				operation VARCHAR(32) NOT NULL CHECK (operation IN ('INSERT', 'UPDATE', 'DELETE', 'ATOMIC_COMPOSITE')),
				payload JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(20) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'skipped')),
				error_message TEXT,
				error_details TEXT,
				retry_count INT NOT NULL DEFAULT 0,
				max_retries INT NOT NULL DEFAULT 3,
				next_retry_at TIMESTAMP WITH TIME ZONE,
				idempotency_key VARCHAR(255) NOT NULL UNIQUE,
				correlation_id VARCHAR(255),
				sequence INT NOT NULL DEFAULT 0,
				group_policy VARCHAR(20),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				processed_at TIMESTAMP WITH TIME ZONE,
				external_response TEXT
			);

			-- At most one in-flight item per logical record
			CREATE UNIQUE INDEX idx_sync_queue_pending_record ON sync_queue(table_name, record_id) WHERE status = 'pending';

			CREATE INDEX idx_sync_queue_status ON sync_queue(status);
			CREATE INDEX idx_sync_queue_next_retry_at ON sync_queue(next_retry_at);
			CREATE INDEX idx_sync_queue_correlation_id ON sync_queue(correlation_id);
			CREATE INDEX idx_sync_queue_created_at ON sync_queue(created_at);

			-- Append-only inspection store for exhausted items
			CREATE TABLE dead_letters (
				id UUID PRIMARY KEY,
				queue_item_id UUID NOT NULL,
				table_name VARCHAR(255) NOT NULL,
				record_id VARCHAR(255) NOT NULL,
				operation VARCHAR(32) NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				retry_count INT NOT NULL,
				last_error TEXT,
				error_details TEXT,
				correlation_id VARCHAR(255),
				idempotency_key VARCHAR(255) NOT NULL,
				failed_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_dead_letters_failed_at ON dead_letters(failed_at);
			CREATE INDEX idx_dead_letters_table_name ON dead_letters(table_name);

			-- Versioned workflow definitions; executions pin a version
			CREATE TABLE workflow_definitions (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT,
				steps JSONB NOT NULL,
				required_fields JSONB NOT NULL DEFAULT '[]',
				timeout_seconds INT NOT NULL DEFAULT 300,
				visibility_timeout INT NOT NULL DEFAULT 60,
				max_retries INT NOT NULL DEFAULT 3,
				active BOOLEAN NOT NULL DEFAULT true,
				version INT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (name, version)
			);

			CREATE INDEX idx_workflow_definitions_name ON workflow_definitions(name);

			CREATE TABLE workflow_executions (
				id UUID PRIMARY KEY,
				workflow_name VARCHAR(255) NOT NULL,
				workflow_version INT NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
				current_step INT NOT NULL DEFAULT 0,
				total_steps INT NOT NULL,
				input_payload JSONB NOT NULL DEFAULT '{}',
				context JSONB NOT NULL DEFAULT '{}',
				error_message TEXT,
				error_step VARCHAR(255),
				retry_count INT NOT NULL DEFAULT 0,
				correlation_id VARCHAR(255) UNIQUE,
				triggered_by VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_workflow_name ON workflow_executions(workflow_name);
			CREATE INDEX idx_workflow_executions_created_at ON workflow_executions(created_at);
		`,
	}
}
